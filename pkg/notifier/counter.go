package notifier

import (
	"strconv"
	"strings"
)

// Queue numbers are partitioned into counters by thousands: 1001-1999 is counter 1,
// 10000-10999 is counter 10.
const (
	MinQueueNumber    = 1001
	MaxQueueNumber    = 10999
	numbersPerCounter = 1000
)

// ParseQueueNumber parses a tracked-number string and reports whether it is inside
// the range served by a counter.
func ParseQueueNumber(s string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, false
	}
	if n < MinQueueNumber || n > MaxQueueNumber {
		return 0, false
	}
	return n, true
}

// CounterFor maps a queue number to the counter that calls it.
func CounterFor(n int) (int, bool) {
	if n < MinQueueNumber || n > MaxQueueNumber {
		return 0, false
	}
	return n / numbersPerCounter, true
}

// ResolveCounter maps a tracked-number string to its counter.
// Malformed or out-of-range input yields ok == false; callers treat that as "no status available".
func ResolveCounter(queueNumber string) (counterID int, ok bool) {
	n, ok := ParseQueueNumber(queueNumber)
	if !ok {
		return 0, false
	}
	return CounterFor(n)
}
