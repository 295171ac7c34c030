package engine

import (
	"context"
	"encoding/hex"
	"errors"
	"gatekeeper/src/cache"
	"gatekeeper/src/config"
	"gatekeeper/src/db"
	"gatekeeper/src/models"
	"gatekeeper/src/signature"
	"gatekeeper/src/types"
	"gatekeeper/src/utils"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var signingKey = []byte("test-signing-key")

func sign(token string) string {
	return utils.SignToken(signingKey, token)
}

func uintPtr(v uint) *uint {
	return &v
}

type hmacAuthority struct{}

func (hmacAuthority) VerifySignature(ctx context.Context, token string, sig string, meta types.ScanMeta) (*types.VerifySignatureResponse, error) {
	return &types.VerifySignatureResponse{Valid: utils.VerifyTokenSignature(signingKey, token, sig)}, nil
}

type fakeRemote struct {
	mu      sync.Mutex
	tokens  map[string]*types.TokenInfo
	down    bool
	finds   int
	accepts int

	// lag is how long a failing lookup takes to time out
	lag   time.Duration
	clock *clockwork.FakeClock
}

func (r *fakeRemote) find(identifier string) *types.TokenInfo {
	if t, ok := r.tokens[identifier]; ok {
		return t
	}
	for _, t := range r.tokens {
		if strconv.FormatUint(uint64(t.ID), 10) == identifier {
			return t
		}
	}
	return nil
}

func (r *fakeRemote) byID(id uint) *types.TokenInfo {
	return r.find(strconv.FormatUint(uint64(id), 10))
}

func (r *fakeRemote) FindToken(ctx context.Context, identifier string) (*types.TokenInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		if r.lag > 0 {
			r.clock.Advance(r.lag)
		}
		return nil, errors.New("dial tcp: connection refused")
	}
	r.finds++
	t := r.find(identifier)
	if t == nil {
		return nil, nil
	}
	c := *t
	c.Signature = ""
	return &c, nil
}

func (r *fakeRemote) AcceptToken(ctx context.Context, tokenID uint, body types.AcceptTokenRequestBody) (*types.AcceptTokenResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return nil, errors.New("dial tcp: connection refused")
	}
	r.accepts++
	t := r.byID(tokenID)
	if t == nil {
		return &types.AcceptTokenResult{Reason: types.REJECT_NOT_FOUND}, nil
	}
	first := t.Status == types.TOKEN_VALID
	if first && body.EventID != 0 && t.EventID != body.EventID {
		c := *t
		return &types.AcceptTokenResult{Reason: types.REJECT_WRONG_EVENT, Token: &c}, nil
	}
	if !first && !t.ReentryAllowed {
		c := *t
		return &types.AcceptTokenResult{Reason: types.REJECT_ALREADY_USED, Token: &c}, nil
	}
	if first && t.ReservationID != nil && t.CheckedInGuests >= t.GuestCount {
		c := *t
		return &types.AcceptTokenResult{Reason: types.REJECT_INVALID, Token: &c}, nil
	}
	at := body.ScannedAt
	t.Status = types.TOKEN_SCANNED
	t.ScannedAt = &at
	t.ScannedByDevice = body.DeviceID
	t.ScannedBy = body.StaffID
	c := *t
	return &types.AcceptTokenResult{Accepted: true, Reentry: !first, Token: &c}, nil
}

func (r *fakeRemote) ProcessVipScanWithReentry(ctx context.Context, passID uint, body types.VipScanRequestBody) (*types.VipScanResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return nil, errors.New("dial tcp: connection refused")
	}
	t := r.byID(passID)
	if t == nil || t.ReservationID == nil {
		return &types.VipScanResult{Reason: types.REJECT_INVALID}, nil
	}
	entry := types.ENTRY_REENTRY
	if t.Status == types.TOKEN_VALID && body.EventID != 0 && t.EventID != body.EventID {
		return &types.VipScanResult{Reason: types.REJECT_WRONG_EVENT}, nil
	}
	if t.Status == types.TOKEN_VALID {
		if t.CheckedInGuests >= t.GuestCount {
			return &types.VipScanResult{Reason: types.REJECT_INVALID, CheckedInGuests: t.CheckedInGuests, GuestCount: t.GuestCount}, nil
		}
		n := t.CheckedInGuests + 1
		for _, o := range r.tokens {
			if o.ReservationID != nil && *o.ReservationID == *t.ReservationID {
				o.CheckedInGuests = n
			}
		}
		entry = types.ENTRY_FIRST
	}
	at := body.ScannedAt
	t.Status = types.TOKEN_SCANNED
	t.ScannedAt = &at
	t.ScannedByDevice = body.DeviceID
	c := *t
	return &types.VipScanResult{Success: true, EntryType: entry, CheckedInGuests: t.CheckedInGuests, GuestCount: t.GuestCount, Token: &c}, nil
}

type fakeSource struct {
	mu     sync.Mutex
	remote *fakeRemote
	extra  []types.TokenInfo
	err    error
	calls  int
}

func (f *fakeSource) Snapshot(ctx context.Context, eventID uint) (*types.SnapshotResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	res := &types.SnapshotResponse{EventID: eventID}
	f.remote.mu.Lock()
	for _, t := range f.remote.tokens {
		if t.EventID == eventID {
			res.Tokens = append(res.Tokens, *t)
		}
	}
	f.remote.mu.Unlock()
	for _, t := range f.extra {
		if t.EventID == eventID {
			res.Tokens = append(res.Tokens, t)
		}
	}
	return res, nil
}

type fakeQueue struct {
	mu     sync.Mutex
	events []*models.ScanEvent
	err    error
}

func (q *fakeQueue) Enqueue(ev *models.ScanEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	ev.ID = uint(len(q.events) + 1)
	ev.SyncStatus = types.SYNC_PENDING
	q.events = append(q.events, ev)
	return nil
}

func (q *fakeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

type fakeLogs struct {
	mu       sync.Mutex
	accepted []types.ScanRecord
	failed   []types.ScanRecord
	err      error
}

func (l *fakeLogs) LogScan(ctx context.Context, r types.ScanRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accepted = append(l.accepted, r)
	return l.err
}

func (l *fakeLogs) LogFailedScan(ctx context.Context, r types.ScanRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failed = append(l.failed, r)
	return l.err
}

func (l *fakeLogs) counts() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.accepted), len(l.failed)
}

type fakeRisk struct {
	mu      sync.Mutex
	records []types.ScanRecord
}

func (f *fakeRisk) Submit(r types.ScanRecord) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, r)
	return true
}

type fixture struct {
	engine *Engine
	remote *fakeRemote
	source *fakeSource
	store  *cache.Store
	queue  *fakeQueue
	logs   *fakeLogs
	risk   *fakeRisk
	clock  *clockwork.FakeClock
	local  *gorm.DB
	ec     types.EventContext
}

func seedTokens() map[string]*types.TokenInfo {
	tokens := []types.TokenInfo{
		{ID: 10, EventID: 1, Token: "ga-1", Kind: types.TOKEN_KIND_GA, Status: types.TOKEN_VALID},
		{ID: 11, EventID: 1, Token: "ga-2", Kind: types.TOKEN_KIND_GA, Status: types.TOKEN_VALID},
		{ID: 20, EventID: 1, Token: "vip-1", Kind: types.TOKEN_KIND_VIP_GUEST, Status: types.TOKEN_VALID, ReentryAllowed: true, ReservationID: uintPtr(5), GuestCount: 2},
		{ID: 21, EventID: 1, Token: "vip-2", Kind: types.TOKEN_KIND_VIP_GUEST, Status: types.TOKEN_VALID, ReentryAllowed: true, ReservationID: uintPtr(5), GuestCount: 2},
		{ID: 22, EventID: 1, Token: "vip-3", Kind: types.TOKEN_KIND_VIP_GUEST, Status: types.TOKEN_VALID, ReentryAllowed: true, ReservationID: uintPtr(5), GuestCount: 2},
		{ID: 30, EventID: 2, Token: "other-1", Kind: types.TOKEN_KIND_GA, Status: types.TOKEN_VALID},
	}
	m := map[string]*types.TokenInfo{}
	for i := range tokens {
		tokens[i].Signature = sign(tokens[i].Token)
		m[tokens[i].Token] = &tokens[i]
	}
	return m
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	local, err := db.OpenSqlite("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	require.NoError(t, local.AutoMigrate(&models.CachedToken{}, &models.CacheMeta{}, &models.ScanEvent{}))

	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC))
	remote := &fakeRemote{tokens: seedTokens(), clock: clock}
	source := &fakeSource{remote: remote}
	store := cache.NewStore(local, source, clock)
	require.NoError(t, store.Refresh(context.Background(), 1))
	require.NoError(t, store.Refresh(context.Background(), 2))

	f := &fixture{
		remote: remote,
		source: source,
		store:  store,
		queue:  &fakeQueue{},
		logs:   &fakeLogs{},
		risk:   &fakeRisk{},
		clock:  clock,
		local:  local,
		ec:     types.EventContext{EventID: 1, DeviceID: "door-a", StaffID: "staff-1"},
	}
	f.engine = NewEngine(remote, signature.NewVerifier(hmacAuthority{}), store, f.queue).
		WithLogSink(f.logs).
		WithRiskSink(f.risk).
		WithClock(clock)
	return f
}

func camera(token string) types.ScanInput {
	return types.ScanInput{Channel: types.CHANNEL_CAMERA, Identifier: token, Signature: sign(token), Structured: true}
}

func vipCamera(token string, reservationID uint) types.ScanInput {
	in := camera(token)
	in.Meta.ReservationID = &reservationID
	return in
}

func manual(identifier string) types.ScanInput {
	return types.ScanInput{Channel: types.CHANNEL_MANUAL, Identifier: identifier}
}

func flipBit(sig string, bit int) string {
	raw, _ := hex.DecodeString(sig)
	raw[bit/8] ^= 1 << (bit % 8)
	return hex.EncodeToString(raw)
}

func (f *fixture) decide(in types.ScanInput, mode types.Mode) types.Decision {
	return f.engine.Decide(context.Background(), in, f.ec, mode)
}

func TestOfflineIdempotence(t *testing.T) {
	f := newFixture(t)

	first := f.decide(camera("ga-1"), types.MODE_OFFLINE)
	assert.True(t, first.Accepted())
	assert.False(t, first.Reentry)
	assert.Equal(t, types.MODE_OFFLINE, first.Mode)
	assert.NotEmpty(t, first.ID)

	f.ec.DeviceID = "door-b"
	second := f.decide(camera("ga-1"), types.MODE_OFFLINE)
	assert.False(t, second.Accepted())
	assert.Equal(t, types.REJECT_ALREADY_USED, second.Reason)
	require.NotNil(t, second.Prior)
	assert.Equal(t, "door-a", second.Prior.DeviceID)
	assert.Equal(t, "staff-1", second.Prior.StaffID)
	require.NotNil(t, second.Prior.ScannedAt)

	require.Equal(t, 1, f.queue.len())
	ev := f.queue.events[0]
	assert.Equal(t, uint(10), ev.TokenID)
	assert.Equal(t, types.QUEUE_GA, ev.Kind)
	assert.Equal(t, "door-a", ev.DeviceID)
	assert.Empty(t, first.Token.Signature)
}

func TestOnlineIdempotence(t *testing.T) {
	f := newFixture(t)

	first := f.decide(camera("ga-1"), types.MODE_ONLINE)
	assert.True(t, first.Accepted())
	assert.Equal(t, types.MODE_ONLINE, first.Mode)

	second := f.decide(manual("10"), types.MODE_ONLINE)
	assert.Equal(t, types.REJECT_ALREADY_USED, second.Reason)
	require.NotNil(t, second.Prior)
	assert.Equal(t, "door-a", second.Prior.DeviceID)
	assert.Zero(t, f.queue.len())
}

func TestFailClosedOffline(t *testing.T) {
	f := newFixture(t)
	unknown := []types.ScanInput{
		camera("forged-1"),
		manual("forged-2"),
		{Channel: types.CHANNEL_NFC, Identifier: "forged-3"},
		vipCamera("forged-4", 5),
	}
	for _, in := range unknown {
		d := f.decide(in, types.MODE_OFFLINE)
		assert.False(t, d.Accepted(), in.Identifier)
		assert.Equal(t, types.REJECT_OFFLINE_UNKNOWN, d.Reason, in.Identifier)
	}
	assert.Zero(t, f.queue.len())

	online := f.decide(camera("forged-1"), types.MODE_ONLINE)
	assert.Equal(t, types.REJECT_NOT_FOUND, online.Reason)
}

func TestTamperDetection(t *testing.T) {
	f := newFixture(t)
	sig := sign("ga-1")
	for _, bit := range []int{0, 7, 100, 255} {
		in := camera("ga-1")
		in.Signature = flipBit(sig, bit)

		d := f.decide(in, types.MODE_OFFLINE)
		assert.Equal(t, types.REJECT_TAMPERED, d.Reason)

		d = f.decide(in, types.MODE_ONLINE)
		assert.Equal(t, types.REJECT_TAMPERED, d.Reason)
	}
	assert.Zero(t, f.remote.finds)
	assert.Zero(t, f.queue.len())

	unsigned := types.ScanInput{Channel: types.CHANNEL_CAMERA, Identifier: "ga-1"}
	assert.Equal(t, types.REJECT_TAMPERED, f.decide(unsigned, types.MODE_OFFLINE).Reason)
	assert.Equal(t, types.REJECT_TAMPERED, f.decide(unsigned, types.MODE_ONLINE).Reason)

	// still admissible with the genuine signature
	assert.True(t, f.decide(camera("ga-1"), types.MODE_OFFLINE).Accepted())
}

func TestOfflineReentryCapsGuests(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 4; i++ {
		d := f.decide(vipCamera("vip-1", 5), types.MODE_OFFLINE)
		require.True(t, d.Accepted())
		assert.Equal(t, i > 0, d.Reentry)
		assert.Equal(t, uint(1), d.CheckedInGuests)
		assert.Equal(t, uint(2), d.GuestCount)
		if i > 0 {
			assert.NotNil(t, d.LastEntryAt)
		}
		f.clock.Advance(time.Minute)
	}

	second := f.decide(vipCamera("vip-2", 5), types.MODE_OFFLINE)
	require.True(t, second.Accepted())
	assert.Equal(t, uint(2), second.CheckedInGuests)

	third := f.decide(vipCamera("vip-3", 5), types.MODE_OFFLINE)
	assert.False(t, third.Accepted())
	assert.Equal(t, types.REJECT_INVALID, third.Reason)

	assert.Equal(t, 5, f.queue.len())
	for _, ev := range f.queue.events {
		assert.Equal(t, types.QUEUE_VIP, ev.Kind)
	}
	assert.True(t, f.queue.events[1].Reentry)
}

func TestOnlineReentry(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		d := f.decide(vipCamera("vip-1", 5), types.MODE_ONLINE)
		require.True(t, d.Accepted())
		assert.Equal(t, i > 0, d.Reentry)
		assert.Equal(t, uint(1), d.CheckedInGuests)
	}
	assert.True(t, f.decide(vipCamera("vip-2", 5), types.MODE_ONLINE).Accepted())

	third := f.decide(vipCamera("vip-3", 5), types.MODE_ONLINE)
	assert.False(t, third.Accepted())
}

func TestWrongEvent(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, types.REJECT_WRONG_EVENT, f.decide(camera("other-1"), types.MODE_OFFLINE).Reason)
	assert.Equal(t, types.REJECT_WRONG_EVENT, f.decide(camera("other-1"), types.MODE_ONLINE).Reason)
	assert.Zero(t, f.queue.len())
	assert.Zero(t, f.remote.accepts)
}

func TestStaleCacheRefreshesBeforeDeciding(t *testing.T) {
	f := newFixture(t)
	f.source.extra = []types.TokenInfo{{ID: 40, EventID: 1, Token: "late-1", Signature: sign("late-1"), Kind: types.TOKEN_KIND_GA, Status: types.TOKEN_VALID}}
	calls := f.source.calls

	assert.Equal(t, types.REJECT_OFFLINE_UNKNOWN, f.decide(camera("late-1"), types.MODE_OFFLINE).Reason)
	assert.Equal(t, calls, f.source.calls)

	f.clock.Advance(config.CACHE_FRESHNESS_WINDOW + time.Second)
	d := f.decide(camera("late-1"), types.MODE_OFFLINE)
	assert.True(t, d.Accepted())
	assert.Equal(t, calls+1, f.source.calls)
	assert.True(t, f.store.IsFresh(1))
}

func TestExpiredSnapshot(t *testing.T) {
	f := newFixture(t)
	f.source.err = errors.New("coordinator unreachable")

	f.clock.Advance(time.Hour)
	assert.True(t, f.decide(camera("ga-1"), types.MODE_OFFLINE).Accepted())

	f.clock.Advance(config.CACHE_RETENTION)
	d := f.decide(camera("ga-2"), types.MODE_OFFLINE)
	assert.Equal(t, types.REJECT_EXPIRED, d.Reason)

	f.ec.EventID = 3
	d = f.decide(camera("ga-2"), types.MODE_OFFLINE)
	assert.Equal(t, types.REJECT_OFFLINE_UNKNOWN, d.Reason)
}

func TestStorageUnavailable(t *testing.T) {
	f := newFixture(t)
	f.queue.err = errors.New("disk I/O error")

	d := f.decide(camera("ga-1"), types.MODE_OFFLINE)
	assert.Equal(t, types.REJECT_STORAGE_UNAVAILABLE, d.Reason)
	row, ok := f.store.Lookup("ga-1")
	require.True(t, ok)
	assert.Equal(t, types.TOKEN_VALID, row.Status)

	f.queue.err = nil
	assert.True(t, f.decide(camera("ga-1"), types.MODE_OFFLINE).Accepted())

	require.NoError(t, f.local.Migrator().DropTable(&models.CachedToken{}))
	d = f.decide(camera("ga-2"), types.MODE_OFFLINE)
	assert.Equal(t, types.REJECT_STORAGE_UNAVAILABLE, d.Reason)
	assert.Equal(t, 1, f.queue.len())
}

func TestOnlineTransportFailureFallsBackOffline(t *testing.T) {
	f := newFixture(t)
	f.remote.down = true

	d := f.decide(camera("ga-1"), types.MODE_ONLINE)
	assert.True(t, d.Accepted())
	assert.Equal(t, types.MODE_OFFLINE, d.Mode)
	assert.Equal(t, 1, f.queue.len())

	assert.Equal(t, types.REJECT_OFFLINE_UNKNOWN, f.decide(camera("forged-1"), types.MODE_ONLINE).Reason)
}

func TestDecisionsAreLoggedAndScored(t *testing.T) {
	f := newFixture(t)
	f.logs.err = errors.New("broker down")

	accepted := f.decide(camera("ga-1"), types.MODE_OFFLINE)
	rejected := f.decide(camera("ga-1"), types.MODE_OFFLINE)
	assert.True(t, accepted.Accepted())
	assert.Equal(t, types.REJECT_ALREADY_USED, rejected.Reason)

	assert.Eventually(t, func() bool {
		a, r := f.logs.counts()
		return a == 1 && r == 1
	}, time.Second, 10*time.Millisecond)

	f.risk.mu.Lock()
	defer f.risk.mu.Unlock()
	require.Len(t, f.risk.records, 2)
	assert.Equal(t, accepted.ID, f.risk.records[0].DecisionID)
	assert.Equal(t, uint(10), f.risk.records[0].TokenID)
	assert.Equal(t, "door-a", f.risk.records[1].DeviceID)
}

func TestDecideRawRejectsMalformedInput(t *testing.T) {
	f := newFixture(t)
	d := f.engine.DecideRaw(context.Background(), types.RawInput{Channel: types.CHANNEL_CAMERA, Payload: `{"token":`}, f.ec, types.MODE_OFFLINE)
	assert.Equal(t, types.REJECT_INVALID, d.Reason)

	raw := `{"token":"ga-2","signature":"` + sign("ga-2") + `"}`
	d = f.engine.DecideRaw(context.Background(), types.RawInput{Channel: types.CHANNEL_NFC, Payload: raw}, f.ec, types.MODE_OFFLINE)
	assert.True(t, d.Accepted())
}

func TestOnlineAcceptIsRememberedOffline(t *testing.T) {
	f := newFixture(t)

	first := f.decide(camera("ga-1"), types.MODE_ONLINE)
	require.True(t, first.Accepted())
	assert.Equal(t, types.MODE_ONLINE, first.Mode)

	f.remote.down = true
	f.clock.Advance(time.Minute)
	second := f.decide(camera("ga-1"), types.MODE_ONLINE)
	assert.Equal(t, types.MODE_OFFLINE, second.Mode)
	assert.False(t, second.Accepted())
	assert.Equal(t, types.REJECT_ALREADY_USED, second.Reason)
	require.NotNil(t, second.Prior)
	assert.Equal(t, "door-a", second.Prior.DeviceID)
	assert.Zero(t, f.queue.len())
}

func TestOnlineAlreadyUsedIsRememberedOffline(t *testing.T) {
	f := newFixture(t)
	at := f.clock.Now().Add(-time.Minute)
	f.remote.mu.Lock()
	used := f.remote.tokens["ga-2"]
	used.Status = types.TOKEN_SCANNED
	used.ScannedAt = &at
	used.ScannedByDevice = "door-z"
	f.remote.mu.Unlock()

	d := f.decide(camera("ga-2"), types.MODE_ONLINE)
	assert.Equal(t, types.REJECT_ALREADY_USED, d.Reason)

	f.remote.down = true
	d = f.decide(camera("ga-2"), types.MODE_OFFLINE)
	assert.Equal(t, types.REJECT_ALREADY_USED, d.Reason)
	require.NotNil(t, d.Prior)
	assert.Equal(t, "door-z", d.Prior.DeviceID)
	assert.Zero(t, f.queue.len())
}

func TestOnlineVipEntryCountsTowardOfflineCap(t *testing.T) {
	f := newFixture(t)

	require.True(t, f.decide(vipCamera("vip-1", 5), types.MODE_ONLINE).Accepted())

	f.remote.down = true
	second := f.decide(vipCamera("vip-2", 5), types.MODE_OFFLINE)
	require.True(t, second.Accepted())
	assert.Equal(t, uint(2), second.CheckedInGuests)

	third := f.decide(vipCamera("vip-3", 5), types.MODE_OFFLINE)
	assert.Equal(t, types.REJECT_INVALID, third.Reason)

	again := f.decide(vipCamera("vip-1", 5), types.MODE_OFFLINE)
	assert.True(t, again.Accepted())
	assert.True(t, again.Reentry)
}

func TestVipPassFromAnotherEvent(t *testing.T) {
	f := newFixture(t)
	f.remote.tokens["vip-x"] = &types.TokenInfo{ID: 50, EventID: 2, Token: "vip-x", Signature: sign("vip-x"), Kind: types.TOKEN_KIND_VIP_GUEST, Status: types.TOKEN_VALID, ReentryAllowed: true, ReservationID: uintPtr(9), GuestCount: 4}
	require.NoError(t, f.store.Refresh(context.Background(), 2))

	d := f.decide(vipCamera("vip-x", 9), types.MODE_ONLINE)
	assert.False(t, d.Accepted())
	assert.Equal(t, types.REJECT_WRONG_EVENT, d.Reason)
	assert.Equal(t, types.TOKEN_VALID, f.remote.tokens["vip-x"].Status)
	assert.Zero(t, f.remote.tokens["vip-x"].CheckedInGuests)

	d = f.decide(vipCamera("vip-x", 9), types.MODE_OFFLINE)
	assert.Equal(t, types.REJECT_WRONG_EVENT, d.Reason)
	assert.Zero(t, f.queue.len())
}

func TestFallbackRefreshStaysWithinDecisionBudget(t *testing.T) {
	f := newFixture(t)
	f.clock.Advance(config.CACHE_FRESHNESS_WINDOW + time.Second)
	f.remote.down = true
	calls := f.source.calls

	// the failed online attempt used nearly the whole budget
	f.remote.lag = config.DECISION_BUDGET - 20*time.Millisecond
	d := f.decide(camera("ga-1"), types.MODE_ONLINE)
	assert.True(t, d.Accepted())
	assert.Equal(t, types.MODE_OFFLINE, d.Mode)
	assert.Equal(t, calls, f.source.calls)

	// with time left the stale snapshot is refreshed first
	f.remote.lag = config.ONLINE_DECISION_BUDGET
	d = f.decide(camera("ga-2"), types.MODE_ONLINE)
	assert.True(t, d.Accepted())
	assert.Equal(t, calls+1, f.source.calls)
	assert.True(t, f.store.IsFresh(1))
}
