package main

import (
	"context"
	"encoding/json"
	"fmt"
	"gatekeeper/src/coordinator"
	"gatekeeper/src/db"
	"gatekeeper/src/middlewares"
	"gatekeeper/src/models"
	"gatekeeper/src/types"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"github.com/tidwall/gjson"
	"gorm.io/gorm"
)

type recordingRisk struct {
	mu      sync.Mutex
	records []types.ScanRecord
}

func (r *recordingRisk) Submit(rec types.ScanRecord) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return true
}

type TestSuite struct {
	suite.Suite
	DB        *gorm.DB
	Store     *coordinator.Store
	Authority *coordinator.HMACAuthority
	Risk      *recordingRisk
	Token     string
}

var scannedAt = time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)

func (s *TestSuite) SetupSuite() {
	gin.SetMode(gin.TestMode)
	registerValidators()
	middlewares.NewJWTKey([]byte("test-jwt-secret"))

	token, err := middlewares.IssueDeviceToken("door-a", "staff-1", 1, time.Hour)
	s.Require().NoError(err)
	s.Token = token
}

func (s *TestSuite) SetupTest() {
	d, err := db.OpenSqlite("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	s.Require().NoError(err)
	s.Require().NoError(d.AutoMigrate(
		&models.VipReservation{},
		&models.AdmissionToken{},
		&models.Admission{},
		&models.ScanSubmission{},
		&models.ScanLog{},
	))
	s.DB = d
	s.Store = coordinator.NewStore(d, nil)
	s.Authority = coordinator.NewHMACAuthority("test-signing-secret")
	s.Risk = &recordingRisk{}

	for _, tok := range []string{"tok-1", "tok-2"} {
		s.Require().NoError(d.Create(&models.AdmissionToken{
			EventID:   1,
			Token:     tok,
			Signature: s.Authority.Sign(tok),
			Kind:      types.TOKEN_KIND_GA,
			Status:    types.TOKEN_VALID,
		}).Error)
	}
}

func (s *TestSuite) router() *gin.Engine {
	router := setupRouter()
	apiv1 := apiv1Group(router)
	apiv1.Use(middlewares.DeviceAuthMiddleware)
	scanHandlers(apiv1, s.Store, s.Authority, s.Risk)
	return router
}

func (s *TestSuite) do(router *gin.Engine, method string, route string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		s.Require().NoError(err)
		reader = strings.NewReader(string(b))
	}
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(method, apiPrefix+route, reader)
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", s.Token))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	return w
}

func (s *TestSuite) TestPingRoute() {
	router := setupRouter()

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/", nil)
	router.ServeHTTP(w, req)

	assert.Equal(s.T(), 200, w.Code)
}

func (s *TestSuite) TestMaintenanceMode() {
	os.Setenv("MAINTENANCE_MODE", "true")
	defer os.Unsetenv("MAINTENANCE_MODE")

	router := setupRouter()
	router = maintenanceModeMiddleware(router)
	apiv1Group(router)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/v1", nil)
	router.ServeHTTP(w, req)

	assert.Equal(s.T(), 503, w.Code)
}

func (s *TestSuite) TestMaintenanceModeUnset() {
	os.Unsetenv("MAINTENANCE_MODE")

	router := setupRouter()
	router = maintenanceModeMiddleware(router)
	apiv1Group(router).GET("/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"data": "ok"})
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", apiPrefix+"/health", nil)
	router.ServeHTTP(w, req)
	s.Equal(http.StatusOK, w.Code)
	s.Equal("ok", gjson.Get(w.Body.String(), "data").String())

	os.Setenv("MAINTENANCE_MODE", "false")
	defer os.Unsetenv("MAINTENANCE_MODE")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	s.Equal(http.StatusOK, w.Code)

	os.Setenv("MAINTENANCE_MODE", "yes please")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	s.Equal(http.StatusServiceUnavailable, w.Code)
}

func (s *TestSuite) TestDeviceAuth() {
	router := s.router()

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/v1/tokens/tok-1", nil)
	router.ServeHTTP(w, req)
	assert.Equal(s.T(), http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req, _ = http.NewRequest("GET", "/api/v1/tokens/tok-1", nil)
	req.Header.Set("Authorization", "Bearer "+s.Token+"x")
	router.ServeHTTP(w, req)
	assert.Equal(s.T(), http.StatusUnauthorized, w.Code)
}

func (s *TestSuite) TestVerifySignature() {
	router := s.router()

	w := s.do(router, "POST", "/signatures/verify", types.VerifySignatureRequestBody{Token: "tok-1", Signature: s.Authority.Sign("tok-1")})
	s.Equal(http.StatusOK, w.Code)
	s.True(gjson.Get(w.Body.String(), "data.valid").Bool())

	w = s.do(router, "POST", "/signatures/verify", types.VerifySignatureRequestBody{Token: "tok-2", Signature: s.Authority.Sign("tok-1")})
	s.Equal(http.StatusOK, w.Code)
	s.False(gjson.Get(w.Body.String(), "data.valid").Bool())

	w = s.do(router, "POST", "/signatures/verify", map[string]any{"signature": "abc"})
	s.Equal(http.StatusBadRequest, w.Code)
	s.NotEmpty(gjson.Get(w.Body.String(), "error").String())
}

func (s *TestSuite) TestFindAndAccept() {
	router := s.router()

	w := s.do(router, "GET", "/tokens/tok-1", nil)
	s.Equal(http.StatusOK, w.Code)
	id := gjson.Get(w.Body.String(), "data.id").Uint()
	s.NotZero(id)
	s.False(gjson.Get(w.Body.String(), "data.signature").Exists())

	w = s.do(router, "GET", "/tokens/unknown", nil)
	s.Equal(http.StatusNotFound, w.Code)

	body := types.AcceptTokenRequestBody{DeviceID: "door-a", ScannedAt: scannedAt}
	w = s.do(router, "POST", fmt.Sprintf("/tokens/%d/accept", id), body)
	s.Equal(http.StatusOK, w.Code)
	s.True(gjson.Get(w.Body.String(), "data.accepted").Bool())

	w = s.do(router, "POST", fmt.Sprintf("/tokens/%d/accept", id), body)
	s.Equal(http.StatusOK, w.Code)
	s.False(gjson.Get(w.Body.String(), "data.accepted").Bool())
	s.Equal(string(types.REJECT_ALREADY_USED), gjson.Get(w.Body.String(), "data.reason").String())
	s.Equal("door-a", gjson.Get(w.Body.String(), "data.token.scanned_by_device").String())

	body.DeviceID = "door-b"
	w = s.do(router, "POST", fmt.Sprintf("/tokens/%d/accept", id), body)
	s.Equal(http.StatusForbidden, w.Code)
}

func (s *TestSuite) TestSyncRoutes() {
	router := s.router()
	var token models.AdmissionToken
	s.Require().NoError(s.DB.Where("token = ?", "tok-2").First(&token).Error)

	sub := types.SubmitScanRequestBody{LocalID: 7, TokenID: token.ID, EventID: 1, DeviceID: "door-a", ScannedAt: scannedAt}
	w := s.do(router, "POST", "/sync/scans", sub)
	s.Equal(http.StatusOK, w.Code)
	s.Equal(string(types.SYNC_SYNCED), gjson.Get(w.Body.String(), "data.status").String())

	w = s.do(router, "POST", "/sync/scans/status", types.ScanStatusRequestBody{DeviceID: "door-a", LocalIDs: []uint{7, 8}})
	s.Equal(http.StatusOK, w.Code)
	s.Equal(string(types.SYNC_SYNCED), gjson.Get(w.Body.String(), "data.statuses.7").String())
	s.False(gjson.Get(w.Body.String(), "data.statuses.8").Exists())

	sub.TokenID = 4040
	w = s.do(router, "POST", "/sync/scans", sub)
	s.Equal(http.StatusNotFound, w.Code)

	w = s.do(router, "GET", "/sync/snapshot/1", nil)
	s.Equal(http.StatusOK, w.Code)
	s.Equal(int64(2), gjson.Get(w.Body.String(), "data.tokens.#").Int())
	s.Equal(s.Authority.Sign("tok-1"), gjson.Get(w.Body.String(), "data.tokens.0.signature").String())
}

func (s *TestSuite) TestScanLog() {
	router := s.router()
	rec := types.ScanRecord{DecisionID: uuid.NewString(), EventID: 1, DeviceID: "door-a", Channel: types.CHANNEL_NFC, Mode: types.MODE_OFFLINE, ScannedAt: scannedAt}

	w := s.do(router, "POST", "/scans/log", types.LogScanRequestBody{Record: rec})
	s.Equal(http.StatusAccepted, w.Code)
	s.Len(s.Risk.records, 1)

	rec.Channel = "fax"
	w = s.do(router, "POST", "/scans/log", types.LogScanRequestBody{Record: rec})
	s.Equal(http.StatusBadRequest, w.Code)
}

func (s *TestSuite) TestHTTPClientAgainstRouter() {
	srv := httptest.NewServer(s.router())
	defer srv.Close()
	client := coordinator.NewHTTPClient(srv.URL, s.Token)
	ctx := context.Background()

	info, err := client.FindToken(ctx, "tok-1")
	s.Require().NoError(err)
	s.Require().NotNil(info)

	res, err := client.AcceptToken(ctx, info.ID, types.AcceptTokenRequestBody{DeviceID: "door-a", ScannedAt: scannedAt})
	s.Require().NoError(err)
	s.True(res.Accepted)

	snap, err := client.Snapshot(ctx, 1)
	s.Require().NoError(err)
	s.Len(snap.Tokens, 2)

	v, err := client.VerifySignature(ctx, "tok-1", s.Authority.Sign("tok-1"), types.ScanMeta{})
	s.Require().NoError(err)
	s.True(v.Valid)

	s.NoError(client.LogScan(ctx, types.ScanRecord{DecisionID: uuid.NewString(), DeviceID: "door-a", Channel: types.CHANNEL_CAMERA, ScannedAt: scannedAt}))
	s.True(client.Online())
}

func TestRunner(t *testing.T) {
	suite.Run(t, new(TestSuite))
}

func TestParseInputLine(t *testing.T) {
	raw, ok := parseInputLine(`nfc {"token":"tok-1","signature":"ab"}`)
	assert.True(t, ok)
	assert.Equal(t, types.CHANNEL_NFC, raw.Channel)
	assert.Equal(t, `{"token":"tok-1","signature":"ab"}`, raw.Payload)

	raw, ok = parseInputLine("manual  REF-001 ")
	assert.True(t, ok)
	assert.Equal(t, types.CHANNEL_MANUAL, raw.Channel)
	assert.Equal(t, "REF-001", raw.Payload)

	raw, ok = parseInputLine(`{"token":"tok-1"}`)
	assert.True(t, ok)
	assert.Equal(t, types.CHANNEL_CAMERA, raw.Channel)

	_, ok = parseInputLine("   ")
	assert.False(t, ok)
	_, ok = parseInputLine("manual ")
	assert.False(t, ok)
	_, ok = parseInputLine("nfc")
	assert.False(t, ok)
	_, ok = parseInputLine("  camera   ")
	assert.False(t, ok)

	raw, ok = parseInputLine("manualREF-002")
	assert.True(t, ok)
	assert.Equal(t, types.CHANNEL_CAMERA, raw.Channel)
}

func TestDecisionView(t *testing.T) {
	v := viewOf(types.Decision{Outcome: types.OUTCOME_REJECT, Reason: types.REJECT_OFFLINE_UNKNOWN})
	assert.Equal(t, "offline_unknown", v.Label)
	assert.Equal(t, types.REJECT_OFFLINE_UNKNOWN.Action(), v.Action)

	b, err := json.Marshal(v)
	assert.NoError(t, err)
	assert.Equal(t, "reject", gjson.GetBytes(b, "outcome").String())
}
