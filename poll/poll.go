// Package poll runs the periodic scan that notifies subscribers about their queue position.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"queue-notifier/dedup"
	"queue-notifier/pkg/notifier"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Defaults used when Config leaves a field zero.
const (
	DefaultNearThreshold     = 5
	DefaultMaxConcurrent     = 16
	DefaultSubscriberTimeout = 20 * time.Second

	clearTimeout = 10 * time.Second
)

// ErrScanInProgress is returned by TryCheckAll when another scan holds the lock.
var ErrScanInProgress = errors.New("scan already in progress")

// Store interface for subscription access.
type Store interface {
	ListActiveTracked(ctx context.Context) ([]*notifier.Subscription, error)
	ClearTrackedIf(ctx context.Context, subscriberID, queueNumber string) error
}

// Oracle interface for the latest called number of a counter.
// found == false means the counter has no snapshot yet.
type Oracle interface {
	LatestCalled(ctx context.Context, counterID int) (latest int, found bool, err error)
}

// Sender interface for delivering notifications.
type Sender interface {
	SendTransition(ctx context.Context, sub *notifier.Subscription, status notifier.Status) error
}

// Config tunes the scan. Zero or negative values take the defaults.
type Config struct {
	NearThreshold     int
	MaxConcurrent     int
	SubscriberTimeout time.Duration
}

// Monitor evaluates every tracked subscription against the queue state.
type Monitor struct {
	store  Store
	oracle Oracle
	sender Sender
	cache  *dedup.Cache
	logger *slog.Logger
	cfg    Config
	scanMu sync.Mutex // one scan at a time
}

// New creates a new poll monitor.
func New(store Store, oracle Oracle, sender Sender, cache *dedup.Cache, cfg Config, logger *slog.Logger) *Monitor {
	if cfg.NearThreshold <= 0 {
		cfg.NearThreshold = DefaultNearThreshold
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.SubscriberTimeout <= 0 {
		cfg.SubscriberTimeout = DefaultSubscriberTimeout
	}
	return &Monitor{
		store:  store,
		oracle: oracle,
		sender: sender,
		cache:  cache,
		logger: logger,
		cfg:    cfg,
	}
}

// outcome of one subscriber evaluation.
type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeSuppressed
	outcomeNotified
	outcomeFailed
	numOutcomes
)

// Run scans every interval until ctx is cancelled. A tick that arrives while a
// forced scan is running is skipped.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("Dispatch loop started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Dispatch loop stopped", "reason", ctx.Err())
			return
		case <-ticker.C:
			if err := m.TryCheckAll(ctx); err != nil {
				if errors.Is(err, ErrScanInProgress) {
					m.logger.Warn("Previous scan still running, skipping tick")
					continue
				}
				m.logger.Error("Scan failed", "error", err)
			}
		}
	}
}

// CheckAll runs one scan, waiting for any scan already in progress to finish first.
func (m *Monitor) CheckAll(ctx context.Context) error {
	m.scanMu.Lock()
	defer m.scanMu.Unlock()
	return m.scan(ctx)
}

// TryCheckAll runs one scan unless another is in progress.
func (m *Monitor) TryCheckAll(ctx context.Context) error {
	if !m.scanMu.TryLock() {
		return ErrScanInProgress
	}
	defer m.scanMu.Unlock()
	return m.scan(ctx)
}

func (m *Monitor) scan(ctx context.Context) error {
	start := time.Now()
	logger := m.logger.With("scan_id", uuid.NewString())

	subs, err := m.store.ListActiveTracked(ctx)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	if len(subs) == 0 {
		logger.Debug("No tracked subscriptions")
		return nil
	}

	logger.Info("Checking subscriptions", "count", len(subs), "timestamp", start.Format(time.RFC3339))

	var counts [numOutcomes]atomic.Int64
	var g errgroup.Group
	g.SetLimit(m.cfg.MaxConcurrent)

	for _, sub := range subs {
		if ctx.Err() != nil {
			logger.Info("Context cancelled, stopping scan", "error", ctx.Err())
			break
		}
		g.Go(func() error {
			res, err := m.checkSubscription(ctx, sub, logger)
			counts[res].Add(1)
			if err != nil {
				// Isolated per subscriber: never returned, so siblings keep running.
				logger.Warn("Subscription check failed",
					"subscriber", sub.SubscriberID,
					"queue_number", sub.TrackedNumber,
					"error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	logger.Info("Subscription check completed",
		"total", len(subs),
		"notified", counts[outcomeNotified].Load(),
		"suppressed", counts[outcomeSuppressed].Load(),
		"skipped", counts[outcomeSkipped].Load(),
		"failed", counts[outcomeFailed].Load(),
		"duration_ms", time.Since(start).Milliseconds())

	return ctx.Err()
}

func (m *Monitor) checkSubscription(ctx context.Context, sub *notifier.Subscription, logger *slog.Logger) (res outcome, err error) {
	// claimed holds the dedup key between a successful ShouldFire and delivery.
	var claimed *dedup.Key
	defer func() {
		if r := recover(); r != nil {
			if claimed != nil {
				m.cache.Forget(*claimed)
			}
			res, err = outcomeFailed, fmt.Errorf("panic: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.SubscriberTimeout)
	defer cancel()

	number, ok := notifier.ParseQueueNumber(sub.TrackedNumber)
	if !ok {
		logger.Debug("Ignoring malformed queue number", "subscriber", sub.SubscriberID, "queue_number", sub.TrackedNumber)
		return outcomeSkipped, nil
	}
	counter, _ := notifier.CounterFor(number)

	latest, found, err := m.oracle.LatestCalled(ctx, counter)
	if err != nil {
		return outcomeFailed, fmt.Errorf("latest called for counter %d: %w", counter, err)
	}
	if !found {
		logger.Debug("No queue data yet", "counter_id", counter)
		return outcomeSkipped, nil
	}

	status := notifier.Evaluate(number, latest, m.cfg.NearThreshold)
	logger.Debug("Subscription evaluated",
		"subscriber", sub.SubscriberID,
		"queue_number", number,
		"latest_called", latest,
		"remaining", status.Remaining,
		"transition", status.Transition)

	if status.Transition == notifier.TransitionNone {
		return outcomeSkipped, nil
	}

	key := dedup.Key{SubscriberID: sub.SubscriberID, QueueNumber: number, Transition: status.Transition}
	if !m.cache.ShouldFire(key) {
		return outcomeSuppressed, nil
	}
	claimed = &key

	if err := m.sender.SendTransition(ctx, sub, status); err != nil {
		m.cache.Forget(key)
		return outcomeFailed, fmt.Errorf("send %s notification: %w", status.Transition, err)
	}
	claimed = nil

	logger.Info("Notification sent",
		"subscriber", sub.SubscriberID,
		"queue_number", number,
		"counter_id", counter,
		"latest_called", latest,
		"transition", status.Transition)

	if status.Transition.Terminal() {
		// The dedup record suppresses a resend if the clear fails. The clear is not
		// bound by the subscriber deadline.
		clearCtx, cancelClear := context.WithTimeout(context.WithoutCancel(ctx), clearTimeout)
		defer cancelClear()
		if err := m.store.ClearTrackedIf(clearCtx, sub.SubscriberID, sub.TrackedNumber); err != nil {
			logger.Warn("Failed to clear tracked number", "subscriber", sub.SubscriberID, "queue_number", number, "error", err)
		}
	}

	return outcomeNotified, nil
}
