// Package storage handles persistence of subscriptions.
package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"queue-notifier/pkg/notifier"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"
)

// ErrNotFound is returned when no subscription exists for a subscriber.
var ErrNotFound = errors.New("storage: object doesn't exist")

// ErrConflict is returned when a queue number is already tracked by another subscriber.
var ErrConflict = errors.New("queue number already tracked")

// ConflictError carries the subscriber already tracking a queue number.
type ConflictError struct {
	QueueNumber string
	HolderName  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("queue number %s already tracked by %q", e.QueueNumber, e.HolderName)
}

// Unwrap lets errors.Is match ErrConflict.
func (e *ConflictError) Unwrap() error { return ErrConflict }

// Store handles subscription persistence in a Cloud Storage bucket or a local directory.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	now       func() time.Time
	localPath string
	bucket    string
	salt      []byte
	mu        sync.Mutex // serialises read-modify-write cycles and the conflict check
}

// New creates a new storage handler. When localPath is set the bucket is ignored.
func New(client *storage.Client, bucket string, localPath string, salt []byte, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		now:       time.Now,
		salt:      salt,
		localPath: localPath,
		bucket:    bucket,
	}
}

// tokenFor derives a deterministic object token from a subscriber ID.
// Using an HMAC keeps raw platform user IDs out of object names.
func (s *Store) tokenFor(subscriberID string) string {
	h := hmac.New(sha256.New, s.salt)
	h.Write([]byte(strings.TrimSpace(subscriberID)))
	return hex.EncodeToString(h.Sum(nil))
}

// SubscriptionKey generates a stable object name from a token.
// Returns "" unless the token is exactly 64 lowercase hex characters, which rules out path traversal.
func SubscriptionKey(token string) string {
	if len(token) != 64 {
		return ""
	}

	valid := 1
	for _, c := range token {
		isHexDigit := ((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f'))
		if !isHexDigit {
			valid = 0
		}
	}

	if valid == 0 {
		return ""
	}

	return fmt.Sprintf("sub-%s.json", token)
}

func retryOptions(ctx context.Context, logger *slog.Logger, op, key string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2 * time.Minute),
		retry.MaxJitter(10 * time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			logger.Info("Retrying storage operation after error", "operation", op, "attempt", n, "key", key, "error", retryErr)
		}),
	}
}

// Save writes a subscription.
func (s *Store) Save(ctx context.Context, sub *notifier.Subscription) error {
	key := SubscriptionKey(s.tokenFor(sub.SubscriberID))
	if key == "" {
		return errors.New("invalid token format")
	}
	s.logger.Debug("Saving subscription", "key", key, "subscriber", sub.SubscriberID)

	data, err := json.MarshalIndent(sub, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal subscription: %w", err)
	}

	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, key)
		if err := os.WriteFile(filePath, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		s.logger.Debug("Subscription saved to local storage", "path", filePath, "subscriber", sub.SubscriberID)
		return nil
	}

	err = retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retryOptions(ctx, s.logger, "save", key)...,
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	s.logger.Debug("Subscription saved", "key", key, "subscriber", sub.SubscriberID)
	return nil
}

// Load loads the subscription of a subscriber. Returns ErrNotFound when there is none.
func (s *Store) Load(ctx context.Context, subscriberID string) (*notifier.Subscription, error) {
	return s.load(ctx, SubscriptionKey(s.tokenFor(subscriberID)))
}

func (s *Store) load(ctx context.Context, key string) (*notifier.Subscription, error) {
	if key == "" {
		return nil, errors.New("invalid key format")
	}

	var data []byte

	if s.localPath != "" {
		var err error
		data, err = os.ReadFile(filepath.Join(s.localPath, key))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
	} else {
		notFound := false
		err := retry.Do(
			func() error {
				r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
				if openErr != nil {
					// Don't retry on "not found" errors
					if errors.Is(openErr, storage.ErrObjectNotExist) {
						notFound = true
						return retry.Unrecoverable(fmt.Errorf("open storage reader: %w", openErr))
					}
					return fmt.Errorf("open storage reader: %w", openErr)
				}
				defer func() {
					if closeErr := r.Close(); closeErr != nil {
						s.logger.Warn("Failed to close storage reader", "error", closeErr)
					}
				}()

				var readErr error
				data, readErr = io.ReadAll(r)
				if readErr != nil {
					return fmt.Errorf("read from storage: %w", readErr)
				}
				return nil
			},
			retryOptions(ctx, s.logger, "load", key)...,
		)
		if notFound {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("load after retries: %w", err)
		}
	}

	var sub notifier.Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("unmarshal subscription: %w", err)
	}

	return &sub, nil
}

// List lists all subscriptions. Objects that fail to load are logged and skipped.
func (s *Store) List(ctx context.Context) ([]*notifier.Subscription, error) {
	var subs []*notifier.Subscription

	if s.localPath != "" {
		entries, err := os.ReadDir(s.localPath)
		if err != nil {
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}

		for _, entry := range entries {
			if entry.IsDir() || !strings.HasPrefix(entry.Name(), "sub-") || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}

			sub, err := s.load(ctx, entry.Name())
			if err != nil {
				s.logger.Warn("Failed to load subscription", "file", entry.Name(), "error", err)
				continue
			}

			subs = append(subs, sub)
		}

		return subs, nil
	}

	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{
		Prefix: "sub-",
	})

	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}

		sub, err := s.load(ctx, attrs.Name)
		if err != nil {
			s.logger.Warn("Failed to load subscription", "key", attrs.Name, "error", err)
			continue
		}

		subs = append(subs, sub)
	}

	return subs, nil
}

// ListActiveTracked lists subscriptions that are active and tracking a number.
func (s *Store) ListActiveTracked(ctx context.Context) ([]*notifier.Subscription, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	active := all[:0]
	for _, sub := range all {
		if sub.Tracking() {
			active = append(active, sub)
		}
	}
	return active, nil
}

// update loads (or creates) a subscription, applies fn and saves the result.
// Callers must hold s.mu.
func (s *Store) update(ctx context.Context, subscriberID string, create bool, fn func(*notifier.Subscription) bool) (*notifier.Subscription, error) {
	sub, err := s.Load(ctx, subscriberID)
	switch {
	case errors.Is(err, ErrNotFound) && create:
		sub = &notifier.Subscription{SubscriberID: subscriberID, CreatedAt: s.now().UTC()}
	case errors.Is(err, ErrNotFound):
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("load subscription: %w", err)
	}

	if !fn(sub) {
		return sub, nil
	}
	sub.UpdatedAt = s.now().UTC()

	if err := s.Save(ctx, sub); err != nil {
		return nil, fmt.Errorf("save subscription: %w", err)
	}
	return sub, nil
}

// Follow creates or reactivates a subscriber.
func (s *Store) Follow(ctx context.Context, subscriberID, displayName string) (*notifier.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, err := s.update(ctx, subscriberID, true, func(sub *notifier.Subscription) bool {
		sub.Active = true
		if displayName != "" {
			sub.DisplayName = displayName
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Subscriber followed", "subscriber", subscriberID)
	return sub, nil
}

// Register sets the tracked number of a subscriber and marks it active.
// Returns a *ConflictError (matching ErrConflict) when another active subscriber already tracks the number.
func (s *Store) Register(ctx context.Context, subscriberID, queueNumber string) (*notifier.Subscription, error) {
	queueNumber = canonicalNumber(queueNumber)

	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	for _, other := range all {
		if other.SubscriberID != subscriberID && other.Tracking() && canonicalNumber(other.TrackedNumber) == queueNumber {
			s.logger.Info("Queue number already tracked", "queue_number", queueNumber, "subscriber", subscriberID, "holder", other.SubscriberID)
			return nil, &ConflictError{QueueNumber: queueNumber, HolderName: other.DisplayName}
		}
	}

	sub, err := s.update(ctx, subscriberID, true, func(sub *notifier.Subscription) bool {
		sub.TrackedNumber = queueNumber
		sub.Active = true
		return true
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Queue tracking registered", "subscriber", subscriberID, "queue_number", queueNumber)
	return sub, nil
}

// canonicalNumber strips whitespace and leading zeros from a valid queue number
// so "01234" and "1234" name the same ticket. Other input is only trimmed.
func canonicalNumber(s string) string {
	s = strings.TrimSpace(s)
	if n, ok := notifier.ParseQueueNumber(s); ok {
		return strconv.Itoa(n)
	}
	return s
}

// ClearTracked stops tracking for a subscriber and leaves Active unchanged.
func (s *Store) ClearTracked(ctx context.Context, subscriberID string) error {
	return s.ClearTrackedIf(ctx, subscriberID, "")
}

// ClearTrackedIf stops tracking only if the subscriber still tracks queueNumber,
// so a number registered after a scan started is not lost. An empty queueNumber matches any.
func (s *Store) ClearTrackedIf(ctx context.Context, subscriberID, queueNumber string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.update(ctx, subscriberID, false, func(sub *notifier.Subscription) bool {
		if sub.TrackedNumber == "" {
			return false
		}
		if queueNumber != "" && canonicalNumber(sub.TrackedNumber) != canonicalNumber(queueNumber) {
			return false
		}
		sub.TrackedNumber = ""
		return true
	})
	if err != nil {
		return err
	}
	s.logger.Info("Queue tracking cleared", "subscriber", subscriberID)
	return nil
}

// Deactivate marks a subscriber inactive and clears its tracked number.
// Unknown subscribers are ignored.
func (s *Store) Deactivate(ctx context.Context, subscriberID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.update(ctx, subscriberID, false, func(sub *notifier.Subscription) bool {
		sub.Active = false
		sub.TrackedNumber = ""
		return true
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	s.logger.Info("Subscriber deactivated", "subscriber", subscriberID)
	return nil
}

// IsNotFound checks if an error indicates a subscription was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
