package sorter

import (
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/SorterBridge/internal/types"
)

// channelQueue is the FIFO of pending releases for one channel.
type channelQueue struct {
	entries []types.ReleaseEntry
	blocked bool

	classified uint64
	dispatched uint64
	rejected   uint64
	cleared    uint64
}

func (q *channelQueue) push(e types.ReleaseEntry) {
	q.entries = append(q.entries, e)
}

func (q *channelQueue) pop() types.ReleaseEntry {
	head := q.entries[0]
	q.entries[0] = types.ReleaseEntry{}
	q.entries = q.entries[1:]
	if len(q.entries) == 0 {
		q.entries = nil
	}
	return head
}

// Dispatch is one entry released by a tick.
type Dispatch struct {
	Channel types.Channel
	Entry   types.ReleaseEntry
}

// QueueSnapshot is a point-in-time copy of one channel queue.
type QueueSnapshot struct {
	Channel types.Channel        `json:"channel"`
	Length  int                  `json:"length"`
	Blocked bool                 `json:"blocked"`
	NextDue *time.Time           `json:"next_due,omitempty"`
	Entries []types.ReleaseEntry `json:"entries"`
}

type ChannelStats struct {
	Channel    types.Channel `json:"channel"`
	Pending    int           `json:"pending"`
	Classified uint64        `json:"classified"`
	Dispatched uint64        `json:"dispatched"`
	Rejected   uint64        `json:"rejected"`
	Cleared    uint64        `json:"cleared"`
}

type Stats struct {
	Channels        []ChannelStats `json:"channels"`
	TotalPending    int            `json:"total_pending"`
	TotalDispatched uint64         `json:"total_dispatched"`
	TotalRejected   uint64         `json:"total_rejected"`
}

// Scheduler owns one release queue per channel and decides, per tick,
// which outputs are asserted. A single mutex serializes the poll loop
// with API readers; every operation is O(channels).
type Scheduler struct {
	mu     sync.Mutex
	queues []*channelQueue
}

func NewScheduler(channelCount int) (*Scheduler, error) {
	if channelCount <= 0 {
		return nil, fmt.Errorf("%w: channel count must be positive, got %d", types.ErrConfigMismatch, channelCount)
	}

	queues := make([]*channelQueue, channelCount)
	for i := range queues {
		queues[i] = &channelQueue{}
	}

	return &Scheduler{queues: queues}, nil
}

func (s *Scheduler) ChannelCount() int {
	return len(s.queues)
}

func (s *Scheduler) queue(ch types.Channel) (*channelQueue, error) {
	if ch < 0 || int(ch) >= len(s.queues) {
		return nil, fmt.Errorf("%w: %d", types.ErrUnknownChannel, ch)
	}
	return s.queues[ch], nil
}

// Enqueue appends an entry to the tail of a channel queue.
func (s *Scheduler) Enqueue(ch types.Channel, entry types.ReleaseEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.queue(ch)
	if err != nil {
		return err
	}
	if q.blocked {
		q.rejected++
		return fmt.Errorf("%w: channel %d", types.ErrChannelBlocked, ch)
	}

	q.push(entry)
	q.classified++
	return nil
}

// Tick builds the output vector for now. A channel is asserted when its
// head is due, and exactly that head is removed; backlog drains one entry
// per channel per tick.
func (s *Scheduler) Tick(now time.Time) types.OutputVector {
	out, _ := s.TickDispatches(now)
	return out
}

// TickDispatches is Tick that also reports which entries were released.
func (s *Scheduler) TickDispatches(now time.Time) (types.OutputVector, []Dispatch) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(types.OutputVector, len(s.queues))
	var released []Dispatch

	for i, q := range s.queues {
		if len(q.entries) == 0 || q.entries[0].DueAt.After(now) {
			continue
		}
		out[i] = true
		released = append(released, Dispatch{Channel: types.Channel(i), Entry: q.pop()})
		q.dispatched++
	}

	return out, released
}

func (s *Scheduler) Len(ch types.Channel) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.queue(ch)
	if err != nil {
		return 0, err
	}
	return len(q.entries), nil
}

// Clear drops every pending entry of a channel and returns how many were dropped.
func (s *Scheduler) Clear(ch types.Channel) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.queue(ch)
	if err != nil {
		return 0, err
	}
	n := len(q.entries)
	q.entries = nil
	q.cleared += uint64(n)
	return n, nil
}

func (s *Scheduler) ClearAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, q := range s.queues {
		n := len(q.entries)
		q.entries = nil
		q.cleared += uint64(n)
		total += n
	}
	return total
}

// SetBlocked makes a channel reject new entries. Pending entries still dispatch.
func (s *Scheduler) SetBlocked(ch types.Channel, blocked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.queue(ch)
	if err != nil {
		return err
	}
	q.blocked = blocked
	return nil
}

func (s *Scheduler) Blocked(ch types.Channel) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.queue(ch)
	if err != nil {
		return false, err
	}
	return q.blocked, nil
}

func (s *Scheduler) Snapshot() []QueueSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snaps := make([]QueueSnapshot, len(s.queues))
	for i, q := range s.queues {
		snaps[i] = snapshotOf(types.Channel(i), q)
	}
	return snaps
}

func (s *Scheduler) SnapshotChannel(ch types.Channel) (QueueSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.queue(ch)
	if err != nil {
		return QueueSnapshot{}, err
	}
	return snapshotOf(ch, q), nil
}

func snapshotOf(ch types.Channel, q *channelQueue) QueueSnapshot {
	entries := make([]types.ReleaseEntry, len(q.entries))
	copy(entries, q.entries)

	snap := QueueSnapshot{
		Channel: ch,
		Length:  len(entries),
		Blocked: q.blocked,
		Entries: entries,
	}
	if len(entries) > 0 {
		due := entries[0].DueAt
		snap.NextDue = &due
	}
	return snap
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{Channels: make([]ChannelStats, len(s.queues))}
	for i, q := range s.queues {
		stats.Channels[i] = ChannelStats{
			Channel:    types.Channel(i),
			Pending:    len(q.entries),
			Classified: q.classified,
			Dispatched: q.dispatched,
			Rejected:   q.rejected,
			Cleared:    q.cleared,
		}
		stats.TotalPending += len(q.entries)
		stats.TotalDispatched += q.dispatched
		stats.TotalRejected += q.rejected
	}
	return stats
}
