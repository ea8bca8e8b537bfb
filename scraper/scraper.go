// Package scraper reads the public queue board and records what each counter has called.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"queue-notifier/pkg/notifier"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"
)

// Default selectors for the board markup.
const (
	DefaultRowSelector    = "tr[data-counter]"
	DefaultCounterAttr    = "data-counter"
	DefaultCalledSelector = ".called"
)

// Config describes where the board lives and how to read it.
type Config struct {
	URL            string
	RowSelector    string
	CounterAttr    string
	CalledSelector string
}

func (c Config) withDefaults() Config {
	if c.RowSelector == "" {
		c.RowSelector = DefaultRowSelector
	}
	if c.CounterAttr == "" {
		c.CounterAttr = DefaultCounterAttr
	}
	if c.CalledSelector == "" {
		c.CalledSelector = DefaultCalledSelector
	}
	return c
}

// Reading is one counter row from the board.
type Reading struct {
	CounterID    int
	LatestCalled int
}

// HTTPStatusError indicates the board returned a non-OK status.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.URL)
}

// isClientError reports whether err is a 4xx response, which retrying won't fix.
func isClientError(err error) bool {
	var se *HTTPStatusError
	return errors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode < 500
}

// Appender receives snapshots parsed from the board.
type Appender interface {
	Append(ctx context.Context, snap notifier.Snapshot) error
}

// Scraper fetches and parses the queue board.
type Scraper struct {
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
	cfg    Config
}

// New creates a new scraper.
func New(client *http.Client, cfg Config, logger *slog.Logger) *Scraper {
	return &Scraper{
		client: client,
		logger: logger,
		now:    time.Now,
		cfg:    cfg.withDefaults(),
	}
}

// Fetch downloads and parses the board.
func (s *Scraper) Fetch(ctx context.Context) ([]Reading, error) {
	var readings []Reading

	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Accept", "text/html,application/xhtml+xml")
			req.Header.Set("User-Agent", "queue-notifier/1.0")

			start := time.Now()
			resp, err := s.client.Do(req)
			duration := time.Since(start)
			if err != nil {
				s.logger.Warn("Board request failed, will retry",
					"url", s.cfg.URL,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					s.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			s.logger.Debug("Board request completed",
				"url", s.cfg.URL,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())

			if resp.StatusCode != http.StatusOK {
				return &HTTPStatusError{URL: s.cfg.URL, StatusCode: resp.StatusCode}
			}

			readings, err = parseBoard(resp.Body, s.cfg, s.logger)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("parse board: %w", err))
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(2*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying board fetch after error", "attempt", n, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			return !isClientError(err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("fetch board: %w", err)
	}
	return readings, nil
}

// Collect fetches the board once and appends a snapshot per reading.
// It returns how many snapshots were stored.
func (s *Scraper) Collect(ctx context.Context, sink Appender) (int, error) {
	readings, err := s.Fetch(ctx)
	if err != nil {
		return 0, err
	}

	observed := s.now()
	stored := 0
	for _, r := range readings {
		snap := notifier.Snapshot{ObservedAt: observed, CounterID: r.CounterID, LatestCalled: r.LatestCalled}
		if err := sink.Append(ctx, snap); err != nil {
			s.logger.Warn("Failed to store board reading",
				"counter_id", r.CounterID,
				"latest_called", r.LatestCalled,
				"error", err)
			continue
		}
		stored++
	}

	s.logger.Info("Board collected", "readings", len(readings), "stored", stored)
	return stored, nil
}

// Run collects the board every interval until ctx is cancelled.
func (s *Scraper) Run(ctx context.Context, interval time.Duration, sink Appender) {
	s.logger.Info("Board collector starting", "url", s.cfg.URL, "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Board collector stopping")
			return
		case <-ticker.C:
			if _, err := s.Collect(ctx, sink); err != nil {
				s.logger.Error("Board collection failed", "error", err)
			}
		}
	}
}

func parseBoard(body io.Reader, cfg Config, logger *slog.Logger) ([]Reading, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, err
	}

	var readings []Reading
	doc.Find(cfg.RowSelector).Each(func(i int, row *goquery.Selection) {
		rawCounter, ok := row.Attr(cfg.CounterAttr)
		if !ok {
			return
		}
		counter, err := strconv.Atoi(strings.TrimSpace(rawCounter))
		if err != nil {
			logger.Debug("Skipping board row with bad counter", "row", i, "counter", rawCounter)
			return
		}

		rawCalled := strings.TrimSpace(row.Find(cfg.CalledSelector).First().Text())
		called, ok := notifier.ParseQueueNumber(rawCalled)
		if !ok {
			logger.Debug("Skipping board row with bad number", "row", i, "called", rawCalled)
			return
		}
		if c, ok := notifier.CounterFor(called); !ok || c != counter {
			logger.Debug("Skipping board row outside counter range",
				"row", i, "counter_id", counter, "latest_called", called)
			return
		}

		readings = append(readings, Reading{CounterID: counter, LatestCalled: called})
	})

	return readings, nil
}
