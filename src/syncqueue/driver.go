package syncqueue

import (
	"context"
	"gatekeeper/src/config"
	"gatekeeper/src/lib"
	"log"
)

type Connectivity interface {
	Online() bool
}

// Driver runs the queue in the background on the shared scheduler. It never
// touches the scan loop; a slow round only delays the next round.
type Driver struct {
	queue *Queue
	conn  Connectivity
}

func NewDriver(queue *Queue, conn Connectivity) *Driver {
	return &Driver{queue: queue, conn: conn}
}

func (d *Driver) Start() error {
	if _, err := d.queue.Recover(); err != nil {
		log.Printf("[queue] Error recovering interrupted scans: %s\n", err.Error())
	}
	if _, err := lib.CreateDurationJob("sync-pending", config.SYNC_INTERVAL, d.Tick); err != nil {
		return err
	}
	if _, err := lib.CreateDurationJob("sync-purge", config.PURGE_INTERVAL, d.Purge); err != nil {
		return err
	}
	return nil
}

// Tick is one sync round: submit everything due, then reconcile. It does
// nothing while the coordinator is unreachable.
func (d *Driver) Tick() {
	if d.conn != nil && !d.conn.Online() {
		return
	}
	if _, err := d.queue.Recover(); err != nil {
		log.Printf("[queue] Error recovering interrupted scans: %s\n", err.Error())
	}
	ctx, cancel := context.WithTimeout(context.Background(), config.SYNC_ROUND_BUDGET)
	defer cancel()

	res, err := d.queue.Drain(ctx)
	if err != nil {
		log.Printf("[queue] Sync round stopped: %s\n", err.Error())
	}
	if res.Total() > 0 {
		log.Printf("[queue] Sync round: %d synced, %d conflict, %d failed, %d retrying\n", res.Synced, res.Conflict, res.Failed, res.Retrying)
	}
	if _, err := d.queue.Reconcile(ctx); err != nil {
		log.Printf("[queue] Error reconciling synced scans: %s\n", err.Error())
	}
	if _, err := d.queue.Counts(); err != nil {
		log.Printf("[queue] Error counting scans: %s\n", err.Error())
	}
}

func (d *Driver) Purge() {
	n, err := d.queue.Purge()
	if err != nil {
		return
	}
	if n > 0 {
		log.Printf("[queue] Purged %d synced scans\n", n)
	}
}
