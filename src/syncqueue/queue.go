package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"gatekeeper/src/config"
	"gatekeeper/src/lib"
	"gatekeeper/src/models"
	"gatekeeper/src/models/scopes"
	"gatekeeper/src/types"
	"log"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"
)

const AlertSyncFailed = "sync-failed"

var ErrUnexpectedStatus = errors.New("unexpected submit status")

// Submitter is the coordinator side of the queue.
type Submitter interface {
	SubmitScan(ctx context.Context, body types.SubmitScanRequestBody) (*types.SubmitScanResult, error)
	ScanStatuses(ctx context.Context, body types.ScanStatusRequestBody) (*types.ScanStatusResponse, error)
}

type AlertSink interface {
	Alert(event string, payload any) error
}

// Queue is the single durable queue of offline scans, GA and VIP alike,
// awaiting confirmation by the coordinator.
type Queue struct {
	db        *gorm.DB
	submitter Submitter
	alerts    AlertSink
	clock     clockwork.Clock

	BatchSize   int
	MaxAttempts int

	// guards every write to scan_events
	mu sync.Mutex
}

func New(db *gorm.DB, submitter Submitter, clock clockwork.Clock) *Queue {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Queue{
		db:          db,
		submitter:   submitter,
		clock:       clock,
		BatchSize:   config.SYNC_BATCH_SIZE,
		MaxAttempts: config.SYNC_MAX_ATTEMPTS,
	}
}

func (q *Queue) WithAlerts(a AlertSink) *Queue {
	q.alerts = a
	return q
}

// Backoff is the wait after the given number of failed attempts: 1s, 2s, 4s
// and so on, capped at 60s.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		return 0
	}
	d := config.SYNC_BACKOFF_BASE
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= config.SYNC_BACKOFF_CAP {
			return config.SYNC_BACKOFF_CAP
		}
	}
	return d
}

func (q *Queue) Enqueue(ev *models.ScanEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	ev.SyncStatus = types.SYNC_PENDING
	ev.RetryCount = 0
	ev.NextAttemptAt = q.clock.Now()
	if err := q.db.Create(ev).Error; err != nil {
		log.Printf("[queue] Error enqueueing scan of token %d: %s\n", ev.TokenID, err.Error())
		return fmt.Errorf("enqueue scan: %w", err)
	}
	return nil
}

type attempt struct {
	res *types.SubmitScanResult
	err error
}

// SyncPending submits one batch of due pending records in parallel and
// applies each result. A record only leaves pending for a terminal status or
// for the next retry slot; nothing is dropped.
func (q *Queue) SyncPending(ctx context.Context) (types.SyncResult, error) {
	var result types.SyncResult
	batch, err := q.claim()
	if err != nil || len(batch) == 0 {
		return result, err
	}

	attempts := make([]attempt, len(batch))
	var wg sync.WaitGroup
	for i := range batch {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := q.submitter.SubmitScan(ctx, batch[i].Submission())
			if err == nil && res == nil {
				err = ErrUnexpectedStatus
			}
			attempts[i] = attempt{res: res, err: err}
		}(i)
	}
	wg.Wait()

	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock.Now()
	for i := range batch {
		status, err := q.apply(&batch[i], attempts[i], now)
		if err != nil {
			log.Printf("[queue] Error saving sync result of scan %d: %s\n", batch[i].ID, err.Error())
			return result, err
		}
		lib.SyncOutcomesTotal.WithLabelValues(string(status)).Inc()
		switch status {
		case types.SYNC_SYNCED:
			result.Synced++
		case types.SYNC_CONFLICT:
			result.Conflict++
		case types.SYNC_FAILED:
			result.Failed++
		default:
			result.Retrying++
		}
	}
	return result, nil
}

func (q *Queue) claim() ([]models.ScanEvent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var batch []models.ScanEvent
	err := q.db.
		Where("sync_status = ? AND next_attempt_at <= ?", types.SYNC_PENDING, q.clock.Now()).
		Order("next_attempt_at asc, id asc").
		Limit(q.BatchSize).
		Find(&batch).Error
	if err != nil || len(batch) == 0 {
		return nil, err
	}
	ids := make([]uint, len(batch))
	for i := range batch {
		ids[i] = batch[i].ID
	}
	err = q.db.Model(&models.ScanEvent{}).Scopes(scopes.WithIDs(ids...)).Update("sync_status", types.SYNC_SYNCING).Error
	if err != nil {
		return nil, err
	}
	return batch, nil
}

func (q *Queue) apply(ev *models.ScanEvent, a attempt, now time.Time) (types.SyncStatus, error) {
	updates := map[string]any{}
	status := types.SYNC_PENDING
	if a.err == nil {
		switch a.res.Status {
		case types.SYNC_SYNCED, types.SYNC_CONFLICT:
			status = a.res.Status
		default:
			a.err = fmt.Errorf("%w: %s", ErrUnexpectedStatus, a.res.Status)
		}
	}
	if a.err != nil {
		ev.RetryCount++
		updates["retry_count"] = ev.RetryCount
		updates["last_error"] = a.err.Error()
		if ev.RetryCount >= q.MaxAttempts {
			status = types.SYNC_FAILED
		} else {
			updates["next_attempt_at"] = now.Add(Backoff(ev.RetryCount))
		}
	} else {
		updates["synced_at"] = now
		updates["last_error"] = ""
		if status == types.SYNC_CONFLICT && a.res.Winner != nil {
			updates["winner_device"] = a.res.Winner.DeviceID
			updates["winner_local_id"] = a.res.Winner.LocalID
		}
	}
	updates["sync_status"] = status
	if err := q.db.Model(ev).Updates(updates).Error; err != nil {
		return status, err
	}
	ev.SyncStatus = status
	if status == types.SYNC_FAILED {
		log.Printf("[queue] Scan %d of token %d failed after %d attempts: %s\n", ev.ID, ev.TokenID, ev.RetryCount, a.err.Error())
		q.alert(ev)
	}
	return status, nil
}

func (q *Queue) alert(ev *models.ScanEvent) {
	if q.alerts == nil {
		return
	}
	go func(ev models.ScanEvent) {
		if err := q.alerts.Alert(AlertSyncFailed, ev); err != nil {
			log.Printf("[queue] Error alerting failed scan %d: %s\n", ev.ID, err.Error())
		}
	}(*ev)
}

// Drain runs SyncPending until no pending record is due.
func (q *Queue) Drain(ctx context.Context) (types.SyncResult, error) {
	var total types.SyncResult
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		res, err := q.SyncPending(ctx)
		total.Add(res)
		if err != nil {
			return total, err
		}
		if res.Total() == 0 {
			return total, nil
		}
	}
}

// Reconcile asks the coordinator about recently synced records and demotes
// those that lost an earliest-wins race to a scan that arrived later.
func (q *Queue) Reconcile(ctx context.Context) (int, error) {
	var synced []models.ScanEvent
	err := q.db.
		Where("sync_status = ? AND synced_at >= ?", types.SYNC_SYNCED, q.clock.Now().Add(-config.RECONCILE_WINDOW)).
		Find(&synced).Error
	if err != nil || len(synced) == 0 {
		return 0, err
	}

	byDevice := map[string][]uint{}
	for _, ev := range synced {
		byDevice[ev.DeviceID] = append(byDevice[ev.DeviceID], ev.ID)
	}
	demoted := 0
	for deviceID, ids := range byDevice {
		for start := 0; start < len(ids); start += 500 {
			end := min(start+500, len(ids))
			res, err := q.submitter.ScanStatuses(ctx, types.ScanStatusRequestBody{DeviceID: deviceID, LocalIDs: ids[start:end]})
			if err != nil {
				return demoted, err
			}
			var lost []uint
			for id, status := range res.Statuses {
				if status == types.SYNC_CONFLICT {
					lost = append(lost, id)
				}
			}
			if len(lost) == 0 {
				continue
			}
			q.mu.Lock()
			tx := q.db.Model(&models.ScanEvent{}).
				Where("id IN ? AND sync_status = ?", lost, types.SYNC_SYNCED).
				Update("sync_status", types.SYNC_CONFLICT)
			q.mu.Unlock()
			if tx.Error != nil {
				return demoted, tx.Error
			}
			demoted += int(tx.RowsAffected)
		}
	}
	if demoted > 0 {
		log.Printf("[queue] %d synced scans lost to earlier scans\n", demoted)
	}
	return demoted, nil
}

// Purge deletes synced records past the retention window. Conflict and failed
// records are kept for operator review.
func (q *Queue) Purge() (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	tx := q.db.
		Where("sync_status = ? AND synced_at < ?", types.SYNC_SYNCED, q.clock.Now().Add(-config.SYNCED_RETENTION)).
		Delete(&models.ScanEvent{})
	if tx.Error != nil {
		log.Printf("[queue] Error purging synced scans: %s\n", tx.Error.Error())
		return 0, tx.Error
	}
	return tx.RowsAffected, nil
}

// Recover returns records left in syncing by an interrupted process to
// pending. It must not run while a sync round is in flight.
func (q *Queue) Recover() (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	tx := q.db.Model(&models.ScanEvent{}).
		Scopes(scopes.WithSyncStatus(types.SYNC_SYNCING)).
		Updates(map[string]any{"sync_status": types.SYNC_PENDING, "next_attempt_at": q.clock.Now()})
	if tx.Error != nil {
		return 0, tx.Error
	}
	if tx.RowsAffected > 0 {
		log.Printf("[queue] Recovered %d interrupted scans\n", tx.RowsAffected)
	}
	return tx.RowsAffected, nil
}

// Counts returns the number of records per sync status and updates the
// queue depth gauge.
func (q *Queue) Counts() (map[types.SyncStatus]int64, error) {
	var rows []struct {
		SyncStatus types.SyncStatus
		N          int64
	}
	err := q.db.Model(&models.ScanEvent{}).
		Select("sync_status, count(*) as n").
		Group("sync_status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := map[types.SyncStatus]int64{}
	for _, s := range []types.SyncStatus{types.SYNC_PENDING, types.SYNC_SYNCING, types.SYNC_SYNCED, types.SYNC_CONFLICT, types.SYNC_FAILED} {
		counts[s] = 0
	}
	for _, r := range rows {
		counts[r.SyncStatus] = r.N
	}
	for s, n := range counts {
		lib.QueueDepth.WithLabelValues(string(s)).Set(float64(n))
	}
	return counts, nil
}

// Failed lists records that exhausted their retries, oldest first.
func (q *Queue) Failed() ([]models.ScanEvent, error) {
	var failed []models.ScanEvent
	err := q.db.Scopes(scopes.WithSyncStatus(types.SYNC_FAILED)).Order("scanned_at asc").Find(&failed).Error
	return failed, err
}
