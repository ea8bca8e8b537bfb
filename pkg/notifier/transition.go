package notifier

// Transition is the relationship between a tracked number and the latest called number.
type Transition string

// Transition kinds.
const (
	TransitionNone    Transition = "none"
	TransitionNear    Transition = "near"
	TransitionCurrent Transition = "current"
	TransitionPassed  Transition = "passed"
)

// Terminal reports whether the subscription stops being tracked once this transition is delivered.
func (t Transition) Terminal() bool {
	return t == TransitionCurrent || t == TransitionPassed
}

// Classify decides which transition applies to tracked given latestCalled.
//
// current: tracked == latestCalled
// passed:  tracked < latestCalled, however far behind
// near:    0 < tracked-latestCalled <= nearThreshold
// none:    otherwise
func Classify(tracked, latestCalled, nearThreshold int) Transition {
	switch {
	case tracked == latestCalled:
		return TransitionCurrent
	case tracked < latestCalled:
		return TransitionPassed
	}

	// tracked > latestCalled here. The unsigned difference is exact even when
	// the signed subtraction would overflow.
	remaining := uint64(tracked) - uint64(latestCalled)
	if nearThreshold >= 0 && remaining <= uint64(nearThreshold) {
		return TransitionNear
	}
	return TransitionNone
}
