package domain

func (s TargetStatus) rank() int {
	switch s {
	case TargetPending:
		return 0
	case TargetSent:
		return 1
	case TargetDelivered:
		return 2
	case TargetRead:
		return 3
	case TargetClicked:
		return 4
	case TargetReported:
		return 5
	}
	return -1
}

// CanAdvanceTo encodes the forward-only delivery state machine:
//
//	pending -> sent -> delivered -> read -> clicked -> reported
//	pending|sent -> failed (terminal)
//
// Steps may be skipped once a target is sent (a read receipt can arrive
// without a delivery receipt), but nothing ever moves backward.
func (s TargetStatus) CanAdvanceTo(next TargetStatus) bool {
	switch {
	case s == TargetFailed:
		return false
	case next == TargetFailed:
		return s == TargetPending || s == TargetSent
	case s == TargetPending:
		return next == TargetSent
	}
	return next.rank() > s.rank()
}

// SignalStatus maps a provider MessageStatus onto a target status. ok is
// false for statuses that carry no state change for us (queued, accepted,
// sending, sent).
func SignalStatus(providerStatus string) (TargetStatus, bool) {
	switch providerStatus {
	case "delivered":
		return TargetDelivered, true
	case "read":
		return TargetRead, true
	case "failed", "undelivered":
		return TargetFailed, true
	}
	return "", false
}
