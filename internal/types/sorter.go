package types

import (
	"time"

	"github.com/google/uuid"
)

// Channel identifies one controller output line. The index matches the
// position in the controller's output register list.
type Channel int

// ReleaseEntry is one product scheduled for release on a channel.
// Only DueAt takes part in dispatch decisions.
type ReleaseEntry struct {
	DueAt      time.Time `json:"due_at"`
	DetectedAt time.Time `json:"detected_at"`
	Input      int       `json:"input"`
}

// Route is one row of the classification table: an asserted input enqueues
// a release on Channel after Delay.
type Route struct {
	Input   int           `json:"input" yaml:"input" mapstructure:"input"`
	Channel Channel       `json:"channel" yaml:"channel" mapstructure:"channel"`
	Delay   time.Duration `json:"delay" yaml:"delay" mapstructure:"delay"`
}

// OutputVector is the instantaneous state of every controller output for
// one cycle, indexed by Channel.
type OutputVector []bool

// Registers converts the vector into holding register values (1 = asserted).
func (v OutputVector) Registers() []uint16 {
	regs := make([]uint16, len(v))
	for i, on := range v {
		if on {
			regs[i] = 1
		}
	}
	return regs
}

// Asserted lists the channels set in this vector.
func (v OutputVector) Asserted() []Channel {
	var out []Channel
	for i, on := range v {
		if on {
			out = append(out, Channel(i))
		}
	}
	return out
}

type ReleaseEventKind string

const (
	ReleaseEventClassified ReleaseEventKind = "classified"
	ReleaseEventDispatched ReleaseEventKind = "dispatched"
	ReleaseEventRejected   ReleaseEventKind = "rejected"
)

// ReleaseEvent is the audit record published to the live feed and journal.
type ReleaseEvent struct {
	ID      uuid.UUID        `json:"id"`
	Kind    ReleaseEventKind `json:"kind"`
	Channel Channel          `json:"channel"`
	Input   int              `json:"input"`
	DueAt   time.Time        `json:"due_at"`
	At      time.Time        `json:"at"`
}

func NewReleaseEvent(kind ReleaseEventKind, ch Channel, entry ReleaseEntry, at time.Time) ReleaseEvent {
	return ReleaseEvent{
		ID:      uuid.New(),
		Kind:    kind,
		Channel: ch,
		Input:   entry.Input,
		DueAt:   entry.DueAt,
		At:      at,
	}
}
