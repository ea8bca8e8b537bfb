// Package notifier contains the core domain types for the queue notification service.
package notifier

import "time"

// Subscription represents a subscriber and the queue number they are tracking.
type Subscription struct {
	CreatedAt     time.Time `json:"created_at"`               // First follow/registration
	UpdatedAt     time.Time `json:"updated_at"`               // Last mutation
	SubscriberID  string    `json:"subscriber_id"`            // Messaging platform user ID
	DisplayName   string    `json:"display_name"`             // Profile name, used in conflict replies
	TrackedNumber string    `json:"tracked_number,omitempty"` // Empty when not tracking
	Active        bool      `json:"active"`                   // False after unfollow
}

// Tracking reports whether the subscription should be evaluated by the dispatch loop.
func (s *Subscription) Tracking() bool {
	return s.Active && s.TrackedNumber != ""
}

// Snapshot is one observation of the latest called number at a counter.
type Snapshot struct {
	ObservedAt   time.Time `json:"observed_at"`
	CounterID    int       `json:"counter_id"`
	LatestCalled int       `json:"latest_called"`
}

// Status is the evaluated position of a tracked number against a counter.
type Status struct {
	Transition   Transition
	QueueNumber  int
	CounterID    int
	LatestCalled int
	Remaining    int // QueueNumber - LatestCalled; negative once passed
}

// Evaluate computes the status of queueNumber given the latest called number on its counter.
// The caller is expected to have validated queueNumber with ParseQueueNumber.
func Evaluate(queueNumber, latestCalled, nearThreshold int) Status {
	counter, _ := CounterFor(queueNumber)
	return Status{
		Transition:   Classify(queueNumber, latestCalled, nearThreshold),
		QueueNumber:  queueNumber,
		CounterID:    counter,
		LatestCalled: latestCalled,
		Remaining:    queueNumber - latestCalled,
	}
}
