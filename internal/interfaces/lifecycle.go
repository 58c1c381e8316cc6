package interfaces

import (
	"context"
	"errors"

	"github.com/KevinKickass/SorterBridge/internal/bridge"
	"github.com/KevinKickass/SorterBridge/internal/config"
	"github.com/KevinKickass/SorterBridge/internal/sorter"
	"github.com/KevinKickass/SorterBridge/internal/storage"
)

// ErrJournalDisabled is returned by RecentReleases without a database.
var ErrJournalDisabled = errors.New("release journal disabled")

// LifecycleManager is what the API layer needs from the running system.
type LifecycleManager interface {
	Config() *config.Config
	Status() bridge.Status
	Scheduler() *sorter.Scheduler
	SetCleaningMode(on bool) error
	RecentReleases(ctx context.Context, filter storage.ReleaseFilter) ([]storage.ReleaseRecord, error)
}
