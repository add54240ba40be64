package pipeline

import (
	"context"

	"github.com/google/uuid"

	"github.com/devpulse/devpulse/pulsed/database"
)

// StoreDiscoverer enumerates candidates from the repos table.
type StoreDiscoverer struct {
	db database.Store
}

func NewStoreDiscoverer(db database.Store) *StoreDiscoverer {
	return &StoreDiscoverer{db: db}
}

func (d *StoreDiscoverer) DiscoverRepoIDs(ctx context.Context, orgID string) ([]uuid.UUID, error) {
	return d.db.GetRepoIDsByOrg(ctx, orgID)
}
