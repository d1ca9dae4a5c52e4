package leader

import (
	"replicated-log/internal/pubsub"
	"replicated-log/internal/replog"
)

// Events published by a LeaderLog on its pubsub bus
const (
	LeaderSteppedDown pubsub.EventType = iota + 100
	CommitAdvanced
)

// StepDownEvent is the payload of LeaderSteppedDown
type StepDownEvent struct {
	Leader replog.ParticipantID
	// Term the leader was leading
	Term replog.LogTerm
	// NewTerm is the higher term that caused the step down
	NewTerm replog.LogTerm
}

// CommitEvent is the payload of CommitAdvanced
type CommitEvent struct {
	Term        replog.LogTerm
	CommitIndex replog.LogIndex
	// Committed is the number of entries committed by this advance
	Committed uint64
}
