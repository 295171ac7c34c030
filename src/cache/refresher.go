package cache

import (
	"context"
	"errors"
	"gatekeeper/src/config"
	"gatekeeper/src/lib"
	"log"
)

type Connectivity interface {
	Online() bool
}

// Refresher keeps the selected event's snapshot fresh while the coordinator
// is reachable, so an outage starts from a recent snapshot rather than the
// one loaded at boot.
type Refresher struct {
	store   *Store
	conn    Connectivity
	eventID uint
}

func NewRefresher(store *Store, conn Connectivity, eventID uint) *Refresher {
	return &Refresher{store: store, conn: conn, eventID: eventID}
}

func (r *Refresher) Start() error {
	_, err := lib.CreateDurationJob("cache-refresh", config.CACHE_REFRESH_INTERVAL, r.Tick)
	return err
}

// Tick refreshes once. It does nothing while offline; the decision path
// takes over refreshing then.
func (r *Refresher) Tick() {
	if r.conn != nil && !r.conn.Online() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), config.RPC_TIMEOUT)
	defer cancel()
	if err := r.store.Refresh(ctx, r.eventID); err != nil && !errors.Is(err, ErrRefreshInFlight) {
		log.Printf("[cache] Error refreshing event %d: %s\n", r.eventID, err.Error())
	}
}
