package engine

import (
	"context"
	"errors"
	"gatekeeper/src/cache"
	"gatekeeper/src/config"
	"gatekeeper/src/lib"
	"gatekeeper/src/models"
	"gatekeeper/src/signature"
	"gatekeeper/src/types"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Remote is the coordinator's token RPC surface. FindToken returns nil, nil
// when nothing matches; any error is a transport failure.
type Remote interface {
	FindToken(ctx context.Context, identifier string) (*types.TokenInfo, error)
	AcceptToken(ctx context.Context, tokenID uint, body types.AcceptTokenRequestBody) (*types.AcceptTokenResult, error)
	ProcessVipScanWithReentry(ctx context.Context, passID uint, body types.VipScanRequestBody) (*types.VipScanResult, error)
}

type LocalCache interface {
	RefreshDue(eventID uint) bool
	Refresh(ctx context.Context, eventID uint) error
	Age(eventID uint) (time.Duration, bool)
	Lookup(identifier string) (*models.CachedToken, bool)
	MarkScannedLocally(token string, m cache.Mark) (*models.CachedToken, cache.Undo, error)
	Restore(undo cache.Undo) error
	Observe(info types.TokenInfo) error
}

type Queue interface {
	Enqueue(ev *models.ScanEvent) error
}

type LogSink interface {
	LogScan(ctx context.Context, r types.ScanRecord) error
	LogFailedScan(ctx context.Context, r types.ScanRecord) error
}

// RiskSink receives every decision for fraud scoring. Submit must not block.
type RiskSink interface {
	Submit(r types.ScanRecord) bool
}

type Engine struct {
	remote   Remote
	verifier *signature.Verifier
	cache    LocalCache
	queue    Queue
	logs     LogSink
	risk     RiskSink
	clock    clockwork.Clock

	// local mutations: state check, cache mark and queue append
	mu sync.Mutex
}

func NewEngine(remote Remote, verifier *signature.Verifier, store LocalCache, queue Queue) *Engine {
	return &Engine{
		remote:   remote,
		verifier: verifier,
		cache:    store,
		queue:    queue,
		clock:    clockwork.NewRealClock(),
	}
}

func (e *Engine) WithLogSink(l LogSink) *Engine {
	e.logs = l
	return e
}

func (e *Engine) WithRiskSink(r RiskSink) *Engine {
	e.risk = r
	return e
}

func (e *Engine) WithClock(c clockwork.Clock) *Engine {
	e.clock = c
	return e
}

// DecideRaw parses raw scanner output and decides on it. Unparseable input is
// rejected as invalid.
func (e *Engine) DecideRaw(ctx context.Context, raw types.RawInput, ec types.EventContext, mode types.Mode) types.Decision {
	in, err := ParseInput(raw.Payload, raw.Channel)
	if err != nil {
		start := e.clock.Now()
		if ec.Now.IsZero() {
			ec.Now = start
		}
		log.Printf("[engine] Rejecting %s input: %s\n", raw.Channel, err.Error())
		d := reject(types.Decision{Mode: mode}, types.REJECT_INVALID)
		return e.finish(d, in, ec, start)
	}
	return e.Decide(ctx, in, ec, mode)
}

// Decide returns exactly one decision for a parsed input. The selected event
// and device identity come from ec, never from ambient state.
//
// Online, the coordinator is authoritative. A transport failure at any point
// downgrades the decision to the offline path instead of failing the scan.
func (e *Engine) Decide(ctx context.Context, in types.ScanInput, ec types.EventContext, mode types.Mode) types.Decision {
	start := e.clock.Now()
	if ec.Now.IsZero() {
		ec.Now = start
	}

	var d types.Decision
	if mode == types.MODE_ONLINE && e.remote != nil {
		var err error
		d, err = e.decideOnline(ctx, in, ec)
		if err != nil {
			log.Printf("[engine] Online decision for %s failed, deciding offline: %s\n", in.Identifier, err.Error())
			d = e.decideOffline(ctx, in, ec, start)
		}
	} else {
		d = e.decideOffline(ctx, in, ec, start)
	}
	return e.finish(d, in, ec, start)
}

func (e *Engine) finish(d types.Decision, in types.ScanInput, ec types.EventContext, start time.Time) types.Decision {
	d.ID = uuid.NewString()
	d.Channel = in.Channel
	d.Identifier = in.Identifier
	d.EventID = ec.EventID
	d.DeviceID = ec.DeviceID
	d.DecidedAt = e.clock.Now()
	d.Latency = d.DecidedAt.Sub(start)

	lib.DecisionsTotal.WithLabelValues(string(d.Mode), d.Label()).Inc()
	lib.DecisionDuration.WithLabelValues(string(d.Mode)).Observe(d.Latency.Seconds())
	if d.Latency > config.DECISION_BUDGET {
		log.Printf("[engine] Decision %s took %s\n", d.ID, d.Latency)
	}
	e.emit(d, in, ec)
	return d
}

func (e *Engine) decideOnline(ctx context.Context, in types.ScanInput, ec types.EventContext) (types.Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, config.ONLINE_DECISION_BUDGET)
	defer cancel()
	d := types.Decision{Mode: types.MODE_ONLINE}

	res, err := e.verifier.Verify(ctx, in, types.MODE_ONLINE, "")
	if err != nil {
		return d, err
	}
	if !res.Valid {
		return reject(d, types.REJECT_TAMPERED), nil
	}

	found, err := e.remote.FindToken(ctx, in.Identifier)
	if err != nil {
		return d, err
	}
	if found != nil && found.Status == types.TOKEN_VALID && found.EventID != ec.EventID {
		d.Token = found
		return reject(d, types.REJECT_WRONG_EVENT), nil
	}

	if in.IsVIP() && found != nil && passMatches(in, found.ID, found.Kind, found.ReservationID) {
		vip, err := e.remote.ProcessVipScanWithReentry(ctx, found.ID, types.VipScanRequestBody{
			EventID:       ec.EventID,
			DeviceID:      ec.DeviceID,
			StaffID:       ec.StaffID,
			ReservationID: in.Meta.ReservationID,
			ScannedAt:     ec.Now,
		})
		if err != nil {
			return d, err
		}
		if vip.Success {
			e.remember(vip.Token)
			d.Outcome = types.OUTCOME_ACCEPT
			d.Reentry = vip.EntryType == types.ENTRY_REENTRY
			d.Token = vip.Token
			d.CheckedInGuests = vip.CheckedInGuests
			d.GuestCount = vip.GuestCount
			if d.Reentry {
				d.LastEntryAt = found.ScannedAt
			}
			return d, nil
		}
		log.Printf("[engine] VIP path declined %s (%s), trying GA path\n", in.Identifier, vip.Reason)
	} else if in.IsVIP() {
		log.Printf("[engine] %s does not resolve to a pass of reservation %d, trying GA path\n", in.Identifier, *in.Meta.ReservationID)
	}

	if found == nil {
		return reject(d, types.REJECT_NOT_FOUND), nil
	}
	d.Token = found
	if found.Status == types.TOKEN_SCANNED && !found.ReentryAllowed {
		e.remember(found)
		d = reject(d, types.REJECT_ALREADY_USED)
		d.Prior = priorOf(found)
		return d, nil
	}

	accepted, err := e.remote.AcceptToken(ctx, found.ID, types.AcceptTokenRequestBody{
		EventID:   ec.EventID,
		DeviceID:  ec.DeviceID,
		StaffID:   ec.StaffID,
		ScannedAt: ec.Now,
	})
	if err != nil {
		return d, err
	}
	if accepted.Token != nil {
		d.Token = accepted.Token
	}
	if !accepted.Accepted {
		reason := accepted.Reason
		if reason == "" {
			reason = types.REJECT_ALREADY_USED
		}
		d = reject(d, reason)
		if reason == types.REJECT_ALREADY_USED {
			e.remember(d.Token)
			d.Prior = priorOf(d.Token)
		}
		return d, nil
	}
	e.remember(d.Token)
	d.Outcome = types.OUTCOME_ACCEPT
	d.Reentry = accepted.Reentry
	if d.Reentry {
		d.LastEntryAt = found.ScannedAt
	}
	d.CheckedInGuests = d.Token.CheckedInGuests
	d.GuestCount = d.Token.GuestCount
	return d, nil
}

func (e *Engine) decideOffline(ctx context.Context, in types.ScanInput, ec types.EventContext, start time.Time) types.Decision {
	d := types.Decision{Mode: types.MODE_OFFLINE}

	if budget := e.refreshBudget(start); budget > 0 && e.cache.RefreshDue(ec.EventID) {
		rctx, cancel := context.WithTimeout(ctx, budget)
		if err := e.cache.Refresh(rctx, ec.EventID); err != nil {
			log.Printf("[engine] Offline refresh of event %d failed: %s\n", ec.EventID, err.Error())
		}
		cancel()
	}
	age, ok := e.cache.Age(ec.EventID)
	if !ok {
		return reject(d, types.REJECT_OFFLINE_UNKNOWN)
	}
	if age > config.CACHE_RETENTION {
		return reject(d, types.REJECT_EXPIRED)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.cache.Lookup(in.Identifier)
	if !ok {
		return reject(d, types.REJECT_OFFLINE_UNKNOWN)
	}
	if !in.Manual() {
		res, err := e.verifier.Verify(ctx, in, types.MODE_OFFLINE, entry.Signature)
		if err != nil || !res.Valid {
			return reject(d, types.REJECT_TAMPERED)
		}
	}

	info := entry.Info()
	info.Signature = ""
	d.Token = &info
	if in.IsVIP() && !passMatches(in, entry.TokenID, entry.Kind, entry.ReservationID) {
		log.Printf("[engine] %s does not resolve to a pass of reservation %d, trying GA path\n", in.Identifier, *in.Meta.ReservationID)
	}
	if entry.Status == types.TOKEN_SCANNED && !entry.ReentryAllowed {
		d = reject(d, types.REJECT_ALREADY_USED)
		d.Prior = priorOf(&info)
		return d
	}
	reentry := entry.Status == types.TOKEN_SCANNED
	if !reentry && entry.EventID != ec.EventID {
		return reject(d, types.REJECT_WRONG_EVENT)
	}
	if !reentry && entry.ReservationID != nil && entry.GuestCount > 0 && entry.CheckedInGuests >= entry.GuestCount {
		return reject(d, types.REJECT_INVALID)
	}

	row, undo, err := e.cache.MarkScannedLocally(entry.Token, cache.Mark{
		DeviceID:  ec.DeviceID,
		StaffID:   ec.StaffID,
		ScannedAt: ec.Now,
	})
	if err != nil {
		log.Printf("[engine] Error marking %s scanned: %s\n", entry.Token, err.Error())
		return reject(d, types.REJECT_STORAGE_UNAVAILABLE)
	}
	kind := types.QUEUE_GA
	if row.Kind == types.TOKEN_KIND_VIP_GUEST {
		kind = types.QUEUE_VIP
	}
	ev := &models.ScanEvent{
		TokenID:   row.TokenID,
		Token:     row.Token,
		EventID:   row.EventID,
		Kind:      kind,
		DeviceID:  ec.DeviceID,
		StaffID:   ec.StaffID,
		ScannedAt: ec.Now,
		Reentry:   reentry,
	}
	if err := e.queue.Enqueue(ev); err != nil {
		log.Printf("[engine] Error queueing scan of %s: %s\n", entry.Token, err.Error())
		if err := e.cache.Restore(undo); err != nil {
			log.Printf("[engine] Error restoring %s after failed enqueue: %s\n", entry.Token, err.Error())
		}
		return reject(d, types.REJECT_STORAGE_UNAVAILABLE)
	}

	updated := row.Info()
	updated.Signature = ""
	d.Token = &updated
	d.Outcome = types.OUTCOME_ACCEPT
	d.Reentry = reentry
	if reentry {
		d.LastEntryAt = entry.ScannedAt
	}
	d.CheckedInGuests = row.CheckedInGuests
	d.GuestCount = row.GuestCount
	return d
}

// refreshBudget is how long an offline refresh may take without pushing the
// decision past its budget, keeping a reserve for the local writes.
func (e *Engine) refreshBudget(start time.Time) time.Duration {
	left := config.DECISION_BUDGET - e.clock.Since(start) - config.LOCAL_DECISION_RESERVE
	return min(config.REFRESH_BUDGET, left)
}

// remember writes an online outcome into the offline cache. Tokens outside
// the cached snapshot are skipped.
func (e *Engine) remember(t *types.TokenInfo) {
	if t == nil || t.Token == "" {
		return
	}
	if err := e.cache.Observe(*t); err != nil && !errors.Is(err, cache.ErrNotCached) {
		log.Printf("[engine] Error caching online outcome of %s: %s\n", t.Token, err.Error())
	}
}

// passMatches reports whether a VIP input resolves to a guest pass of the
// reservation named in its payload.
func passMatches(in types.ScanInput, id uint, kind types.TokenKind, reservationID *uint) bool {
	if kind != types.TOKEN_KIND_VIP_GUEST || reservationID == nil || in.Meta.ReservationID == nil {
		return false
	}
	if *reservationID != *in.Meta.ReservationID {
		return false
	}
	return in.Meta.PassID == nil || *in.Meta.PassID == id
}

func reject(d types.Decision, reason types.RejectReason) types.Decision {
	d.Outcome = types.OUTCOME_REJECT
	d.Reason = reason
	return d
}

func priorOf(t *types.TokenInfo) *types.PriorScan {
	if t == nil {
		return nil
	}
	return &types.PriorScan{
		StaffID:   t.ScannedBy,
		DeviceID:  t.ScannedByDevice,
		ScannedAt: t.ScannedAt,
	}
}

// emit hands the decision to the log sink and the fraud pipeline. Neither can
// change or delay the decision already made.
func (e *Engine) emit(d types.Decision, in types.ScanInput, ec types.EventContext) {
	r := types.ScanRecord{
		DecisionID:  d.ID,
		Token:       in.Identifier,
		EventID:     ec.EventID,
		DeviceID:    ec.DeviceID,
		StaffID:     ec.StaffID,
		Fingerprint: ec.Fingerprint,
		Channel:     d.Channel,
		Mode:        d.Mode,
		Accepted:    d.Accepted(),
		Reentry:     d.Reentry,
		Reason:      d.Reason,
		ScannedAt:   ec.Now,
		Latitude:    in.Meta.Latitude,
		Longitude:   in.Meta.Longitude,
		Proxy:       in.Meta.Proxy,
		VPN:         in.Meta.VPN,
	}
	if r.Fingerprint == "" {
		r.Fingerprint = in.Meta.Fingerprint
	}
	if d.Token != nil {
		r.TokenID = d.Token.ID
		r.Token = d.Token.Token
	}

	if e.logs != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), config.RPC_TIMEOUT)
			defer cancel()
			var err error
			if r.Accepted {
				err = e.logs.LogScan(ctx, r)
			} else {
				err = e.logs.LogFailedScan(ctx, r)
			}
			if err != nil {
				log.Printf("[engine] Error logging decision %s: %s\n", r.DecisionID, err.Error())
			}
		}()
	}
	if e.risk != nil && !e.risk.Submit(r) {
		log.Printf("[engine] Risk queue full, decision %s not scored\n", r.DecisionID)
	}
}
