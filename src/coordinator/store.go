package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"gatekeeper/src/config"
	"gatekeeper/src/lib"
	"gatekeeper/src/models"
	"gatekeeper/src/models/scopes"
	"gatekeeper/src/types"
	"log"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrUnknownToken = errors.New("unknown token")

// Store is the authoritative holder of token and reservation state. All
// state transitions happen inside a transaction holding the token row lock.
type Store struct {
	db    *gorm.DB
	rdb   *redis.Client
	clock clockwork.Clock
}

// NewStore returns a store over db. rdb may be nil, in which case snapshots
// are built on every request.
func NewStore(db *gorm.DB, rdb *redis.Client) *Store {
	return &Store{db: db, rdb: rdb, clock: clockwork.NewRealClock()}
}

func (s *Store) WithClock(c clockwork.Clock) *Store {
	s.clock = c
	return s
}

// FindToken resolves an id, token, reference or barcode. It returns nil when
// nothing matches.
func (s *Store) FindToken(ctx context.Context, identifier string) (*models.AdmissionToken, error) {
	q := s.db.WithContext(ctx).
		Preload("Reservation").
		Where("token = ? OR reference = ? OR barcode = ?", identifier, identifier, identifier)
	if id, err := strconv.ParseUint(identifier, 10, 64); err == nil {
		q = q.Or("id = ?", uint(id))
	}
	var token models.AdmissionToken
	if err := q.First(&token).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		log.Printf("[coordinator] Error finding token %s: %s\n", identifier, err.Error())
		return nil, err
	}
	return &token, nil
}

func lockToken(tx *gorm.DB, id uint) (*models.AdmissionToken, error) {
	if id == 0 {
		return nil, nil
	}
	var token models.AdmissionToken
	err := tx.
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(&models.AdmissionToken{ID: id}).
		First(&token).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if token.ReservationID != nil {
		var res models.VipReservation
		if err := tx.Where(&models.VipReservation{ID: *token.ReservationID}).First(&res).Error; err == nil {
			token.Reservation = &res
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	return &token, nil
}

// scan carries who scanned a token and when, for either an online accept or
// a synced offline record.
type scan struct {
	deviceID  string
	staffID   string
	scannedAt time.Time
	source    types.SubmissionSource
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// markScanned moves token valid -> scanned. It reports false when another
// transaction got there first.
func markScanned(tx *gorm.DB, token *models.AdmissionToken, sc scan) (bool, error) {
	res := tx.
		Model(&models.AdmissionToken{}).
		Where("id = ? AND status = ?", token.ID, types.TOKEN_VALID).
		Updates(map[string]any{
			"status":            types.TOKEN_SCANNED,
			"scanned_at":        sc.scannedAt,
			"scanned_by_device": sc.deviceID,
			"scanned_by":        optional(sc.staffID),
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	token.Status = types.TOKEN_SCANNED
	token.ScannedAt = &sc.scannedAt
	token.ScannedByDevice = &sc.deviceID
	token.ScannedBy = optional(sc.staffID)
	return true, nil
}

// outsideEvent reports whether a first entry of token was presented at
// another event than the device's.
func outsideEvent(token *models.AdmissionToken, eventID uint) bool {
	return eventID != 0 && token.Status == types.TOKEN_VALID && token.EventID != eventID
}

func admit(tx *gorm.DB, token *models.AdmissionToken, sc scan) error {
	return tx.Create(&models.Admission{
		TokenID:  token.ID,
		EventID:  token.EventID,
		Source:   sc.source,
		DeviceID: sc.deviceID,
		StaffID:  optional(sc.staffID),
		AdmitAt:  sc.scannedAt,
	}).Error
}

func readmit(tx *gorm.DB, token *models.AdmissionToken) error {
	return tx.
		Model(&models.Admission{}).
		Where("token_id = ?", token.ID).
		UpdateColumn("reentries", gorm.Expr("reentries + 1")).
		Error
}

func recordOnline(tx *gorm.DB, token *models.AdmissionToken, sc scan, reentry bool) error {
	return tx.Create(&models.ScanSubmission{
		DeviceID:  sc.deviceID,
		TokenID:   token.ID,
		EventID:   token.EventID,
		StaffID:   optional(sc.staffID),
		ScannedAt: sc.scannedAt,
		Status:    types.SYNC_SYNCED,
		Reentry:   reentry,
		Source:    types.SOURCE_ONLINE,
	}).Error
}

// AcceptToken performs the authoritative valid -> scanned transition. A
// token that allows re-entry is accepted again as a re-entry; a token linked
// to a reservation goes through the guest pass rules.
func (s *Store) AcceptToken(ctx context.Context, tokenID uint, body types.AcceptTokenRequestBody) (*types.AcceptTokenResult, error) {
	var result *types.AcceptTokenResult
	var eventID uint
	sc := scan{deviceID: body.DeviceID, staffID: body.StaffID, scannedAt: body.ScannedAt, source: types.SOURCE_ONLINE}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		token, err := lockToken(tx, tokenID)
		if err != nil {
			return err
		}
		if token == nil {
			result = &types.AcceptTokenResult{Reason: types.REJECT_NOT_FOUND}
			return nil
		}
		eventID = token.EventID
		if outsideEvent(token, body.EventID) {
			result = &types.AcceptTokenResult{Reason: types.REJECT_WRONG_EVENT, Token: token.Info(false)}
			return nil
		}
		if token.ReservationID != nil {
			vip, err := vipScan(tx, token, sc)
			if err != nil {
				return err
			}
			result = &types.AcceptTokenResult{
				Accepted: vip.Success,
				Reentry:  vip.EntryType == types.ENTRY_REENTRY,
				Reason:   vip.Reason,
				Token:    vip.Token,
			}
			return nil
		}
		switch {
		case token.Status == types.TOKEN_VALID:
			ok, err := markScanned(tx, token, sc)
			if err != nil {
				return err
			}
			if !ok {
				result = &types.AcceptTokenResult{Reason: types.REJECT_ALREADY_USED, Token: token.Info(false)}
				return nil
			}
			if err := admit(tx, token, sc); err != nil {
				return err
			}
			if err := recordOnline(tx, token, sc, false); err != nil {
				return err
			}
			result = &types.AcceptTokenResult{Accepted: true, Token: token.Info(false)}
		case token.ReentryAllowed:
			if err := readmit(tx, token); err != nil {
				return err
			}
			if err := recordOnline(tx, token, sc, true); err != nil {
				return err
			}
			result = &types.AcceptTokenResult{Accepted: true, Reentry: true, Token: token.Info(false)}
		default:
			result = &types.AcceptTokenResult{Reason: types.REJECT_ALREADY_USED, Token: token.Info(false)}
		}
		return nil
	})
	if err != nil {
		log.Printf("[coordinator] Error accepting token %d: %s\n", tokenID, err.Error())
		return nil, err
	}
	if result.Accepted {
		s.forgetSnapshot(ctx, eventID)
	}
	return result, nil
}

// ProcessVipScanWithReentry admits a guest pass of a reservation. The first
// entry of a pass takes a guest slot; later entries are re-entries.
func (s *Store) ProcessVipScanWithReentry(ctx context.Context, passID uint, body types.VipScanRequestBody) (*types.VipScanResult, error) {
	var result *types.VipScanResult
	var eventID uint
	sc := scan{deviceID: body.DeviceID, staffID: body.StaffID, scannedAt: body.ScannedAt, source: types.SOURCE_ONLINE}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pass, err := lockToken(tx, passID)
		if err != nil {
			return err
		}
		if pass == nil || pass.ReservationID == nil {
			result = &types.VipScanResult{Reason: types.REJECT_NOT_FOUND}
			return nil
		}
		if body.ReservationID != nil && *body.ReservationID != *pass.ReservationID {
			result = &types.VipScanResult{Reason: types.REJECT_INVALID}
			return nil
		}
		if outsideEvent(pass, body.EventID) {
			result = &types.VipScanResult{Reason: types.REJECT_WRONG_EVENT, Token: pass.Info(false)}
			return nil
		}
		eventID = pass.EventID
		result, err = vipScan(tx, pass, sc)
		return err
	})
	if err != nil {
		log.Printf("[coordinator] Error processing VIP pass %d: %s\n", passID, err.Error())
		return nil, err
	}
	if result.Success {
		s.forgetSnapshot(ctx, eventID)
	}
	return result, nil
}

func vipScan(tx *gorm.DB, pass *models.AdmissionToken, sc scan) (*types.VipScanResult, error) {
	res := pass.Reservation
	if res == nil || !res.Admits() {
		return &types.VipScanResult{Reason: types.REJECT_INVALID, Token: pass.Info(false)}, nil
	}
	counts := func(r *types.VipScanResult) *types.VipScanResult {
		r.GuestCount = res.GuestCount
		r.CheckedInGuests = res.CheckedInGuests
		r.Token = pass.Info(false)
		return r
	}
	if pass.Status == types.TOKEN_SCANNED {
		if !pass.ReentryAllowed {
			return counts(&types.VipScanResult{Reason: types.REJECT_ALREADY_USED}), nil
		}
		if err := readmit(tx, pass); err != nil {
			return nil, err
		}
		if sc.source == types.SOURCE_ONLINE {
			if err := recordOnline(tx, pass, sc, true); err != nil {
				return nil, err
			}
		}
		return counts(&types.VipScanResult{Success: true, EntryType: types.ENTRY_REENTRY}), nil
	}

	taken, err := takeGuestSlot(tx, res)
	if err != nil {
		return nil, err
	}
	if !taken {
		return counts(&types.VipScanResult{Reason: types.REJECT_INVALID}), nil
	}
	ok, err := markScanned(tx, pass, sc)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("pass %d changed under lock", pass.ID)
	}
	if err := admit(tx, pass, sc); err != nil {
		return nil, err
	}
	if sc.source == types.SOURCE_ONLINE {
		if err := recordOnline(tx, pass, sc, false); err != nil {
			return nil, err
		}
	}
	return counts(&types.VipScanResult{Success: true, EntryType: types.ENTRY_FIRST}), nil
}

// takeGuestSlot increments checked_in_guests unless the reservation is full,
// and moves a confirmed reservation to checked_in.
func takeGuestSlot(tx *gorm.DB, res *models.VipReservation) (bool, error) {
	update := tx.
		Model(&models.VipReservation{}).
		Where("id = ? AND checked_in_guests < guest_count", res.ID).
		UpdateColumn("checked_in_guests", gorm.Expr("checked_in_guests + 1"))
	if update.Error != nil {
		return false, update.Error
	}
	if update.RowsAffected == 0 {
		return false, nil
	}
	res.CheckedInGuests++
	if models.CanTransitionReservation(res.Status, types.RESERVATION_CHECKED_IN) {
		if err := tx.
			Model(&models.VipReservation{}).
			Scopes(scopes.WithID(res.ID)).
			Update("status", types.RESERVATION_CHECKED_IN).
			Error; err != nil {
			return false, err
		}
		res.Status = types.RESERVATION_CHECKED_IN
	}
	return true, nil
}

// SubmitScan applies an offline scan reported by a device. For tokens that
// do not allow re-entry the earliest scan wins and every other submission
// for the token is a conflict, regardless of arrival order. Resubmitting the
// same (device, local id) returns the current status.
func (s *Store) SubmitScan(ctx context.Context, body types.SubmitScanRequestBody) (*types.SubmitScanResult, error) {
	var result *types.SubmitScanResult
	var eventID uint
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		token, err := lockToken(tx, body.TokenID)
		if err != nil {
			return err
		}
		if token == nil {
			return fmt.Errorf("%w: %d", ErrUnknownToken, body.TokenID)
		}
		eventID = token.EventID

		var existing models.ScanSubmission
		err = tx.
			Where("device_id = ? AND local_id = ?", body.DeviceID, body.LocalID).
			First(&existing).
			Error
		if err == nil {
			result, err = currentStatus(tx, &existing)
			return err
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		localID := body.LocalID
		sub := models.ScanSubmission{
			DeviceID:  body.DeviceID,
			LocalID:   &localID,
			TokenID:   token.ID,
			EventID:   token.EventID,
			StaffID:   optional(body.StaffID),
			ScannedAt: body.ScannedAt,
			Reentry:   body.Reentry,
			Source:    types.SOURCE_OFFLINE,
		}
		sc := scan{deviceID: body.DeviceID, staffID: body.StaffID, scannedAt: body.ScannedAt, source: types.SOURCE_OFFLINE}

		if token.ReentryAllowed {
			if err := s.syncReentry(tx, token, sc); err != nil {
				return err
			}
			sub.Status = types.SYNC_SYNCED
			if err := tx.Create(&sub).Error; err != nil {
				return err
			}
			result = &types.SubmitScanResult{Status: types.SYNC_SYNCED, Winner: sub.Ref()}
			return nil
		}

		winner, err := currentWinner(tx, token.ID)
		if err != nil {
			return err
		}
		switch {
		case winner == nil && token.Status == types.TOKEN_VALID:
			if _, err := markScanned(tx, token, sc); err != nil {
				return err
			}
			if err := admit(tx, token, sc); err != nil {
				return err
			}
			sub.Status = types.SYNC_SYNCED
		case winner == nil:
			// scanned without any recorded submission
			sub.Status = types.SYNC_CONFLICT
		case sub.Before(winner):
			if err := tx.Model(winner).Update("status", types.SYNC_CONFLICT).Error; err != nil {
				return err
			}
			if err := rewriteScan(tx, token, sc); err != nil {
				return err
			}
			sub.Status = types.SYNC_SYNCED
		default:
			sub.Status = types.SYNC_CONFLICT
		}
		if err := tx.Create(&sub).Error; err != nil {
			return err
		}
		result = &types.SubmitScanResult{Status: sub.Status, Winner: sub.Ref()}
		if sub.Status == types.SYNC_CONFLICT {
			result.Winner = nil
			if winner != nil {
				result.Winner = winner.Ref()
			} else if token.ScannedAt != nil && token.ScannedByDevice != nil {
				result.Winner = &types.ScanRef{DeviceID: *token.ScannedByDevice, ScannedAt: *token.ScannedAt}
			}
		}
		return nil
	})
	if err != nil {
		log.Printf("[coordinator] Error submitting scan %s/%d: %s\n", body.DeviceID, body.LocalID, err.Error())
		return nil, err
	}
	s.forgetSnapshot(ctx, eventID)
	return result, nil
}

func (s *Store) syncReentry(tx *gorm.DB, token *models.AdmissionToken, sc scan) error {
	if token.Status == types.TOKEN_SCANNED {
		if token.ScannedAt != nil && sc.scannedAt.Before(*token.ScannedAt) {
			if err := rewriteScan(tx, token, sc); err != nil {
				return err
			}
		}
		return readmit(tx, token)
	}
	if token.ReservationID != nil {
		res, err := vipScan(tx, token, sc)
		if err != nil {
			return err
		}
		if !res.Success {
			// already admitted at the door; the slot count stays bounded
			log.Printf("[coordinator] Offline VIP entry %d over guest count: %s\n", token.ID, res.Reason)
			if _, err := markScanned(tx, token, sc); err != nil {
				return err
			}
			return admit(tx, token, sc)
		}
		return nil
	}
	if _, err := markScanned(tx, token, sc); err != nil {
		return err
	}
	return admit(tx, token, sc)
}

// currentWinner is the synced first-entry submission for a token, if any.
func currentWinner(tx *gorm.DB, tokenID uint) (*models.ScanSubmission, error) {
	var winner models.ScanSubmission
	err := tx.
		Where("token_id = ? AND status = ? AND reentry = ?", tokenID, types.SYNC_SYNCED, false).
		Order("scanned_at ASC").
		First(&winner).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &winner, nil
}

func currentStatus(tx *gorm.DB, sub *models.ScanSubmission) (*types.SubmitScanResult, error) {
	result := &types.SubmitScanResult{Status: sub.Status, Winner: sub.Ref()}
	if sub.Status != types.SYNC_CONFLICT {
		return result, nil
	}
	winner, err := currentWinner(tx, sub.TokenID)
	if err != nil {
		return nil, err
	}
	result.Winner = nil
	if winner != nil {
		result.Winner = winner.Ref()
	}
	return result, nil
}

// rewriteScan moves the token's first-entry record to an earlier scan.
func rewriteScan(tx *gorm.DB, token *models.AdmissionToken, sc scan) error {
	if err := tx.
		Model(&models.AdmissionToken{}).
		Scopes(scopes.WithID(token.ID)).
		Updates(map[string]any{
			"status":            types.TOKEN_SCANNED,
			"scanned_at":        sc.scannedAt,
			"scanned_by_device": sc.deviceID,
			"scanned_by":        optional(sc.staffID),
		}).Error; err != nil {
		return err
	}
	token.ScannedAt = &sc.scannedAt
	token.ScannedByDevice = &sc.deviceID
	token.ScannedBy = optional(sc.staffID)
	return tx.
		Model(&models.Admission{}).
		Where("token_id = ?", token.ID).
		Updates(map[string]any{
			"admit_at":  sc.scannedAt,
			"device_id": sc.deviceID,
			"staff_id":  optional(sc.staffID),
			"source":    sc.source,
		}).Error
}

// ScanStatuses reports the current status of a device's submitted records.
// Records the coordinator has never seen are absent from the map.
func (s *Store) ScanStatuses(ctx context.Context, body types.ScanStatusRequestBody) (*types.ScanStatusResponse, error) {
	var subs []models.ScanSubmission
	if err := s.db.WithContext(ctx).
		Where("device_id = ? AND local_id IN ?", body.DeviceID, body.LocalIDs).
		Find(&subs).
		Error; err != nil {
		log.Printf("[coordinator] Error reading statuses for %s: %s\n", body.DeviceID, err.Error())
		return nil, err
	}
	resp := &types.ScanStatusResponse{Statuses: make(map[uint]types.SyncStatus, len(subs))}
	for _, sub := range subs {
		if sub.LocalID != nil {
			resp.Statuses[*sub.LocalID] = sub.Status
		}
	}
	return resp, nil
}

// Snapshot is the admissible token set of an event with signatures, for
// device caches. Passes of reservations that no longer admit are left out.
func (s *Store) Snapshot(ctx context.Context, eventID uint) (*types.SnapshotResponse, error) {
	if snap := s.memoisedSnapshot(ctx, eventID); snap != nil {
		return snap, nil
	}
	var tokens []models.AdmissionToken
	if err := s.db.WithContext(ctx).
		Preload("Reservation").
		Scopes(scopes.ForEvent(eventID)).
		Order("id ASC").
		Find(&tokens).
		Error; err != nil {
		log.Printf("[coordinator] Error building snapshot for event %d: %s\n", eventID, err.Error())
		return nil, err
	}
	snap := &types.SnapshotResponse{EventID: eventID, Tokens: make([]types.TokenInfo, 0, len(tokens)), GeneratedAt: s.clock.Now()}
	for i := range tokens {
		t := &tokens[i]
		if t.ReservationID != nil && (t.Reservation == nil || !t.Reservation.Admits()) {
			continue
		}
		snap.Tokens = append(snap.Tokens, *t.Info(true))
	}
	s.memoiseSnapshot(ctx, snap)
	return snap, nil
}

func (s *Store) memoisedSnapshot(ctx context.Context, eventID uint) *types.SnapshotResponse {
	if s.rdb == nil {
		return nil
	}
	val, err := s.rdb.Get(ctx, lib.SnapshotKey(eventID)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Printf("[coordinator] Error reading memoised snapshot %d: %s\n", eventID, err.Error())
		}
		return nil
	}
	var snap types.SnapshotResponse
	if err := json.Unmarshal([]byte(val), &snap); err != nil {
		return nil
	}
	return &snap
}

func (s *Store) memoiseSnapshot(ctx context.Context, snap *types.SnapshotResponse) {
	if s.rdb == nil {
		return
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, lib.SnapshotKey(snap.EventID), string(b), config.SNAPSHOT_MEMO_TTL).Err(); err != nil {
		log.Printf("[coordinator] Error memoising snapshot %d: %s\n", snap.EventID, err.Error())
	}
}

func (s *Store) forgetSnapshot(ctx context.Context, eventID uint) {
	if s.rdb == nil {
		return
	}
	if err := s.rdb.Del(ctx, lib.SnapshotKey(eventID)).Err(); err != nil {
		log.Printf("[coordinator] Error dropping memoised snapshot %d: %s\n", eventID, err.Error())
	}
}

// LogScan appends a decision to the scan trail.
func (s *Store) LogScan(ctx context.Context, r types.ScanRecord) error {
	entry := models.NewScanLog(r)
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		log.Printf("[coordinator] Error logging decision %s: %s\n", r.DecisionID, err.Error())
		return err
	}
	return nil
}
