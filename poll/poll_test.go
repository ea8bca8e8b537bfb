package poll

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"queue-notifier/dedup"
	"queue-notifier/pkg/notifier"
)

type fakeStore struct {
	subs     map[string]*notifier.Subscription
	listErr  error
	clearErr error
	mu       sync.Mutex
}

func newFakeStore(subs ...*notifier.Subscription) *fakeStore {
	s := &fakeStore{subs: make(map[string]*notifier.Subscription)}
	for _, sub := range subs {
		s.subs[sub.SubscriberID] = sub
	}
	return s
}

func (s *fakeStore) ListActiveTracked(_ context.Context) ([]*notifier.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []*notifier.Subscription
	for _, sub := range s.subs {
		if sub.Tracking() {
			cp := *sub
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) ClearTrackedIf(ctx context.Context, id, number string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.clearErr != nil {
		return s.clearErr
	}
	if sub, ok := s.subs[id]; ok && sub.TrackedNumber == number {
		sub.TrackedNumber = ""
	}
	return nil
}

func (s *fakeStore) tracked(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[id].TrackedNumber
}

type fakeOracle struct {
	latest map[int]int
	errFor map[int]error
	delay  time.Duration
	mu     sync.Mutex
}

func (o *fakeOracle) set(counter, latest int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.latest == nil {
		o.latest = make(map[int]int)
	}
	o.latest[counter] = latest
}

func (o *fakeOracle) LatestCalled(ctx context.Context, counter int) (int, bool, error) {
	if o.delay > 0 {
		select {
		case <-time.After(o.delay):
		case <-ctx.Done():
			return 0, false, ctx.Err()
		}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.errFor[counter]; err != nil {
		return 0, false, err
	}
	v, ok := o.latest[counter]
	return v, ok, nil
}

type sent struct {
	to     string
	status notifier.Status
}

type fakeSender struct {
	failFor  map[string]bool
	sent     []sent
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
	mu       sync.Mutex
}

func (f *fakeSender) SendTransition(_ context.Context, sub *notifier.Subscription, st notifier.Status) error {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[sub.SubscriberID] {
		return errors.New("push failed: HTTP 500")
	}
	f.sent = append(f.sent, sent{to: sub.SubscriberID, status: st})
	return nil
}

func (f *fakeSender) messages() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

func (f *fakeSender) setFail(id string, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor == nil {
		f.failFor = make(map[string]bool)
	}
	f.failFor[id] = fail
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMonitor(store Store, oracle Oracle, sender Sender, cfg Config) *Monitor {
	return New(store, oracle, sender, dedup.New(discardLogger()), cfg, discardLogger())
}

func tracking(id, number string) *notifier.Subscription {
	return &notifier.Subscription{SubscriberID: id, TrackedNumber: number, Active: true}
}

func TestCurrentNotifiesOnceAndClears(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore(tracking("U1", "1234"))
	oracle := &fakeOracle{}
	oracle.set(1, 1234)
	sender := &fakeSender{}
	m := newTestMonitor(store, oracle, sender, Config{NearThreshold: 3})

	if err := m.CheckAll(ctx); err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}

	msgs := sender.messages()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(msgs))
	}
	if msgs[0].status.Transition != notifier.TransitionCurrent || msgs[0].status.CounterID != 1 {
		t.Errorf("unexpected status %+v", msgs[0].status)
	}
	if got := store.tracked("U1"); got != "" {
		t.Errorf("tracked number = %q after current, want cleared", got)
	}

	if err := m.CheckAll(ctx); err != nil {
		t.Fatalf("second CheckAll() error = %v", err)
	}
	if n := len(sender.messages()); n != 1 {
		t.Errorf("sent %d messages after second scan, want 1", n)
	}
}

func TestNearThenCurrent(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore(tracking("U1", "5010"))
	oracle := &fakeOracle{}
	oracle.set(5, 5008)
	sender := &fakeSender{}
	m := newTestMonitor(store, oracle, sender, Config{NearThreshold: 3})

	for range 3 {
		if err := m.CheckAll(ctx); err != nil {
			t.Fatalf("CheckAll() error = %v", err)
		}
	}

	msgs := sender.messages()
	if len(msgs) != 1 || msgs[0].status.Transition != notifier.TransitionNear {
		t.Fatalf("messages after near scans = %+v, want one near", msgs)
	}
	if msgs[0].status.Remaining != 2 {
		t.Errorf("Remaining = %d, want 2", msgs[0].status.Remaining)
	}
	if got := store.tracked("U1"); got != "5010" {
		t.Fatalf("tracked number = %q after near, want still 5010", got)
	}

	oracle.set(5, 5010)
	if err := m.CheckAll(ctx); err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}
	if err := m.CheckAll(ctx); err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}

	msgs = sender.messages()
	if len(msgs) != 2 || msgs[1].status.Transition != notifier.TransitionCurrent {
		t.Fatalf("messages = %+v, want near then current", msgs)
	}
	if got := store.tracked("U1"); got != "" {
		t.Errorf("tracked number = %q after current, want cleared", got)
	}
}

func TestPassedNotifiesWithLatestAndClears(t *testing.T) {
	store := newFakeStore(tracking("U1", "2050"))
	oracle := &fakeOracle{}
	oracle.set(2, 2100)
	sender := &fakeSender{}
	m := newTestMonitor(store, oracle, sender, Config{NearThreshold: 5})

	if err := m.CheckAll(context.Background()); err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}

	msgs := sender.messages()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(msgs))
	}
	if msgs[0].status.Transition != notifier.TransitionPassed || msgs[0].status.LatestCalled != 2100 {
		t.Errorf("unexpected status %+v", msgs[0].status)
	}
	if got := store.tracked("U1"); got != "" {
		t.Errorf("tracked number = %q after passed, want cleared", got)
	}
}

func TestDeliveryFailureAllowsRetry(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore(tracking("U1", "5010"))
	oracle := &fakeOracle{}
	oracle.set(5, 5008)
	sender := &fakeSender{}
	sender.setFail("U1", true)
	m := newTestMonitor(store, oracle, sender, Config{NearThreshold: 5})

	if err := m.CheckAll(ctx); err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}
	if n := len(sender.messages()); n != 0 {
		t.Fatalf("sent %d messages while failing, want 0", n)
	}
	if m.cache.Len() != 0 {
		t.Fatalf("cache has %d records after failed delivery, want 0", m.cache.Len())
	}

	sender.setFail("U1", false)
	if err := m.CheckAll(ctx); err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}
	msgs := sender.messages()
	if len(msgs) != 1 || msgs[0].status.Transition != notifier.TransitionNear {
		t.Fatalf("messages after retry = %+v, want one near", msgs)
	}
}

func TestTerminalDeliveryFailureKeepsSubscription(t *testing.T) {
	store := newFakeStore(tracking("U1", "1234"))
	oracle := &fakeOracle{}
	oracle.set(1, 1234)
	sender := &fakeSender{}
	sender.setFail("U1", true)
	m := newTestMonitor(store, oracle, sender, Config{})

	if err := m.CheckAll(context.Background()); err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}
	if got := store.tracked("U1"); got != "1234" {
		t.Errorf("tracked number = %q, want 1234 kept after failed delivery", got)
	}
}

func TestClearFailureDoesNotResend(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore(tracking("U1", "1234"))
	store.clearErr = errors.New("storage unavailable")
	oracle := &fakeOracle{}
	oracle.set(1, 1234)
	sender := &fakeSender{}
	m := newTestMonitor(store, oracle, sender, Config{})

	for range 2 {
		if err := m.CheckAll(ctx); err != nil {
			t.Fatalf("CheckAll() error = %v", err)
		}
	}
	if n := len(sender.messages()); n != 1 {
		t.Errorf("sent %d messages, want 1", n)
	}
}

func TestInertSubscriptions(t *testing.T) {
	tests := []struct {
		name   string
		number string
		setup  func(o *fakeOracle)
	}{
		{name: "malformed number", number: "12ab", setup: func(o *fakeOracle) { o.set(1, 1234) }},
		{name: "out of range number", number: "99999", setup: func(o *fakeOracle) { o.set(9, 9999) }},
		{name: "no snapshot yet", number: "3001", setup: func(o *fakeOracle) {}},
		{name: "far from front", number: "4100", setup: func(o *fakeOracle) { o.set(4, 4001) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore(tracking("U1", tt.number))
			oracle := &fakeOracle{}
			tt.setup(oracle)
			sender := &fakeSender{}
			m := newTestMonitor(store, oracle, sender, Config{NearThreshold: 5})

			if err := m.CheckAll(context.Background()); err != nil {
				t.Fatalf("CheckAll() error = %v", err)
			}
			if n := len(sender.messages()); n != 0 {
				t.Errorf("sent %d messages, want 0", n)
			}
			if got := store.tracked("U1"); got != tt.number {
				t.Errorf("tracked number = %q, want unchanged %q", got, tt.number)
			}
		})
	}
}

func TestFailuresAreIsolated(t *testing.T) {
	store := newFakeStore(
		tracking("broken-oracle", "2001"),
		tracking("broken-sink", "3001"),
		tracking("healthy", "1234"),
	)
	oracle := &fakeOracle{errFor: map[int]error{2: errors.New("connection reset")}}
	oracle.set(3, 3001)
	oracle.set(1, 1234)
	sender := &fakeSender{}
	sender.setFail("broken-sink", true)
	m := newTestMonitor(store, oracle, sender, Config{})

	if err := m.CheckAll(context.Background()); err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}
	msgs := sender.messages()
	if len(msgs) != 1 || msgs[0].to != "healthy" {
		t.Fatalf("messages = %+v, want only healthy", msgs)
	}
}

type panickingSender struct {
	fakeSender
	fixed atomic.Bool
}

func (p *panickingSender) SendTransition(ctx context.Context, sub *notifier.Subscription, st notifier.Status) error {
	if sub.SubscriberID == "panics" && !p.fixed.Load() {
		panic("boom")
	}
	return p.fakeSender.SendTransition(ctx, sub, st)
}

func TestPanicIsIsolated(t *testing.T) {
	store := newFakeStore(tracking("panics", "1234"), tracking("healthy", "2001"))
	oracle := &fakeOracle{}
	oracle.set(1, 1234)
	oracle.set(2, 2001)
	sender := &panickingSender{}
	m := newTestMonitor(store, oracle, sender, Config{})

	if err := m.CheckAll(context.Background()); err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}
	msgs := sender.messages()
	if len(msgs) != 1 || msgs[0].to != "healthy" {
		t.Fatalf("messages = %+v, want only healthy", msgs)
	}
	if got := store.tracked("panics"); got != "1234" {
		t.Errorf("panicking subscription was cleared")
	}
}

func TestPanicReleasesDedupRecord(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore(tracking("panics", "1234"))
	oracle := &fakeOracle{}
	oracle.set(1, 1234)
	sender := &panickingSender{}
	m := newTestMonitor(store, oracle, sender, Config{})

	if err := m.CheckAll(ctx); err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}
	if n := m.cache.Len(); n != 0 {
		t.Fatalf("cache has %d records after a panicking send, want 0", n)
	}

	sender.fixed.Store(true)
	if err := m.CheckAll(ctx); err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}
	msgs := sender.messages()
	if len(msgs) != 1 || msgs[0].to != "panics" || msgs[0].status.Transition != notifier.TransitionCurrent {
		t.Fatalf("messages after recovery = %+v, want one current", msgs)
	}
	if got := store.tracked("panics"); got != "" {
		t.Errorf("tracked number = %q after delivery, want cleared", got)
	}
}

func TestClearSurvivesSlowSend(t *testing.T) {
	store := newFakeStore(tracking("U1", "2050"))
	oracle := &fakeOracle{}
	oracle.set(2, 2100)
	// The send outlasts the subscriber deadline but still succeeds.
	sender := &fakeSender{delay: 60 * time.Millisecond}
	m := newTestMonitor(store, oracle, sender, Config{SubscriberTimeout: 30 * time.Millisecond})

	if err := m.CheckAll(context.Background()); err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}
	if n := len(sender.messages()); n != 1 {
		t.Fatalf("sent %d messages, want 1", n)
	}
	if got := store.tracked("U1"); got != "" {
		t.Errorf("tracked number = %q after passed, want cleared despite the expired deadline", got)
	}
}

func TestConfigDefaults(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want Config
	}{
		{
			name: "zero",
			cfg:  Config{},
			want: Config{NearThreshold: DefaultNearThreshold, MaxConcurrent: DefaultMaxConcurrent, SubscriberTimeout: DefaultSubscriberTimeout},
		},
		{
			name: "negative",
			cfg:  Config{NearThreshold: -1, MaxConcurrent: -2, SubscriberTimeout: -time.Second},
			want: Config{NearThreshold: DefaultNearThreshold, MaxConcurrent: DefaultMaxConcurrent, SubscriberTimeout: DefaultSubscriberTimeout},
		},
		{
			name: "explicit",
			cfg:  Config{NearThreshold: 2, MaxConcurrent: 3, SubscriberTimeout: time.Second},
			want: Config{NearThreshold: 2, MaxConcurrent: 3, SubscriberTimeout: time.Second},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMonitor(newFakeStore(), &fakeOracle{}, &fakeSender{}, tt.cfg)
			if m.cfg != tt.want {
				t.Errorf("cfg = %+v, want %+v", m.cfg, tt.want)
			}
		})
	}
}

func TestNegativeThresholdStillNotifiesNear(t *testing.T) {
	store := newFakeStore(tracking("U1", "5010"))
	oracle := &fakeOracle{}
	oracle.set(5, 5006)
	sender := &fakeSender{}
	m := newTestMonitor(store, oracle, sender, Config{NearThreshold: -3})

	if err := m.CheckAll(context.Background()); err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}
	msgs := sender.messages()
	if len(msgs) != 1 || msgs[0].status.Transition != notifier.TransitionNear {
		t.Fatalf("messages = %+v, want one near with the default threshold", msgs)
	}
}

func TestSlowOracleIsBoundedByTimeout(t *testing.T) {
	store := newFakeStore(tracking("U1", "1234"))
	oracle := &fakeOracle{delay: time.Second}
	oracle.set(1, 1234)
	sender := &fakeSender{}
	m := newTestMonitor(store, oracle, sender, Config{SubscriberTimeout: 20 * time.Millisecond})

	start := time.Now()
	if err := m.CheckAll(context.Background()); err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("scan took %v, want it bounded by the subscriber timeout", elapsed)
	}
	if n := len(sender.messages()); n != 0 {
		t.Errorf("sent %d messages, want 0", n)
	}
}

func TestListFailureIsReturned(t *testing.T) {
	store := newFakeStore()
	store.listErr = errors.New("bucket unavailable")
	m := newTestMonitor(store, &fakeOracle{}, &fakeSender{}, Config{})

	if err := m.CheckAll(context.Background()); err == nil {
		t.Fatal("CheckAll() should return the list error")
	}
}

func TestFanOutIsBounded(t *testing.T) {
	var subs []*notifier.Subscription
	oracle := &fakeOracle{}
	for i := range 40 {
		number := 1001 + i
		subs = append(subs, tracking(fmt.Sprintf("U%d", i), strconv.Itoa(number)))
	}
	oracle.set(1, 1050) // every subscriber has passed
	store := newFakeStore(subs...)
	sender := &fakeSender{delay: 5 * time.Millisecond}
	m := newTestMonitor(store, oracle, sender, Config{MaxConcurrent: 4})

	if err := m.CheckAll(context.Background()); err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}
	if n := len(sender.messages()); n != 40 {
		t.Fatalf("sent %d messages, want 40", n)
	}
	if peak := sender.peak.Load(); peak > 4 {
		t.Errorf("peak concurrent sends = %d, want <= 4", peak)
	}
}

func TestTryCheckAllSkipsWhileScanning(t *testing.T) {
	store := newFakeStore(tracking("U1", "1234"))
	oracle := &fakeOracle{}
	oracle.set(1, 1234)
	m := newTestMonitor(store, oracle, &fakeSender{}, Config{})

	m.scanMu.Lock()
	err := m.TryCheckAll(context.Background())
	m.scanMu.Unlock()

	if !errors.Is(err, ErrScanInProgress) {
		t.Fatalf("TryCheckAll() error = %v, want ErrScanInProgress", err)
	}
	if err := m.TryCheckAll(context.Background()); err != nil {
		t.Fatalf("TryCheckAll() after unlock error = %v", err)
	}
}

func TestRunScansOnInterval(t *testing.T) {
	store := newFakeStore(tracking("U1", "1234"))
	oracle := &fakeOracle{}
	oracle.set(1, 1234)
	sender := &fakeSender{}
	m := newTestMonitor(store, oracle, sender, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(sender.messages()) == 0 {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("Run did not scan")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}
