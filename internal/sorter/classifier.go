package sorter

import (
	"errors"
	"fmt"
	"time"

	"github.com/KevinKickass/SorterBridge/internal/types"
)

// Trigger selects when an input counts as a detection.
type Trigger string

const (
	// TriggerLevel enqueues on every snapshot where the input is asserted.
	TriggerLevel Trigger = "level"
	// TriggerRising enqueues only on a 0 -> 1 transition between snapshots.
	TriggerRising Trigger = "rising"
)

func ParseTrigger(s string) (Trigger, error) {
	switch Trigger(s) {
	case "", TriggerLevel:
		return TriggerLevel, nil
	case TriggerRising:
		return TriggerRising, nil
	default:
		return "", fmt.Errorf("%w: unknown trigger %q", types.ErrConfigMismatch, s)
	}
}

// Assignment is one entry the classifier placed (or tried to place) on a channel.
type Assignment struct {
	Channel types.Channel
	Entry   types.ReleaseEntry
}

type ObserveResult struct {
	Enqueued []Assignment
	Rejected []Assignment
}

// Classifier turns input snapshots into release entries on the scheduler.
type Classifier struct {
	table     *RouteTable
	scheduler *Scheduler
	trigger   Trigger
	previous  []bool
}

func NewClassifier(table *RouteTable, scheduler *Scheduler, trigger Trigger) (*Classifier, error) {
	if table.ChannelCount() != scheduler.ChannelCount() {
		return nil, fmt.Errorf("%w: route table has %d channels, scheduler has %d",
			types.ErrConfigMismatch, table.ChannelCount(), scheduler.ChannelCount())
	}
	if trigger == "" {
		trigger = TriggerLevel
	}

	return &Classifier{
		table:     table,
		scheduler: scheduler,
		trigger:   trigger,
		previous:  make([]bool, table.InputCount()),
	}, nil
}

func (c *Classifier) Trigger() Trigger { return c.trigger }

// Observe classifies one input snapshot taken at now. Routes are evaluated in
// input index order. A snapshot shorter than the configured input count is
// rejected as a whole and nothing is enqueued.
func (c *Classifier) Observe(inputs []bool, now time.Time) (ObserveResult, error) {
	var result ObserveResult

	if len(inputs) < c.table.InputCount() {
		return result, fmt.Errorf("%w: got %d inputs, expected %d",
			types.ErrConfigMismatch, len(inputs), c.table.InputCount())
	}

	for _, r := range c.table.routes {
		if !c.detected(r.Input, inputs) {
			continue
		}

		a := Assignment{
			Channel: r.Channel,
			Entry: types.ReleaseEntry{
				DueAt:      now.Add(r.Delay),
				DetectedAt: now,
				Input:      r.Input,
			},
		}

		if err := c.scheduler.Enqueue(r.Channel, a.Entry); err != nil {
			if errors.Is(err, types.ErrChannelBlocked) {
				result.Rejected = append(result.Rejected, a)
				continue
			}
			return result, err
		}
		result.Enqueued = append(result.Enqueued, a)
	}

	copy(c.previous, inputs[:c.table.InputCount()])
	return result, nil
}

func (c *Classifier) detected(input int, inputs []bool) bool {
	if !inputs[input] {
		return false
	}
	if c.trigger == TriggerRising {
		return !c.previous[input]
	}
	return true
}
