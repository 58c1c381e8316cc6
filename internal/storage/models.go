package storage

import (
	"time"

	"github.com/KevinKickass/SorterBridge/internal/types"
	"github.com/google/uuid"
)

// ReleaseRecord is one row of the release journal.
type ReleaseRecord struct {
	ID        uuid.UUID              `json:"id"`
	RunID     uuid.UUID              `json:"run_id"`
	Kind      types.ReleaseEventKind `json:"kind"`
	Channel   types.Channel          `json:"channel"`
	Input     int                    `json:"input"`
	DueAt     time.Time              `json:"due_at"`
	At        time.Time              `json:"at"`
	CreatedAt time.Time              `json:"created_at"`
}

// ReleaseFilter narrows RecentReleases. Zero values mean no filter.
type ReleaseFilter struct {
	Limit   int
	Channel *types.Channel
	Kind    types.ReleaseEventKind
}
