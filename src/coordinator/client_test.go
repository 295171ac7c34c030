package coordinator

import (
	"context"
	"encoding/json"
	"gatekeeper/src/types"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func newFakeCoordinator(t *testing.T, seen *[]string) *httptest.Server {
	mux := http.NewServeMux()
	write := func(w http.ResponseWriter, status int, body any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(body)
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		write(w, http.StatusOK, "ok")
	})
	mux.HandleFunc("/api/v1/tokens/tok-1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer device-jwt", r.Header.Get("Authorization"))
		write(w, http.StatusOK, map[string]any{"data": types.TokenInfo{ID: 10, EventID: 1, Token: "tok-1", Status: types.TOKEN_VALID}})
	})
	mux.HandleFunc("/api/v1/tokens/missing", func(w http.ResponseWriter, r *http.Request) {
		write(w, http.StatusNotFound, map[string]any{"error": "not found"})
	})
	mux.HandleFunc("/api/v1/tokens/10/accept", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		*seen = append(*seen, gjson.GetBytes(b, "device_id").String())
		write(w, http.StatusOK, map[string]any{"data": types.AcceptTokenResult{Accepted: true}})
	})
	mux.HandleFunc("/api/v1/sync/scans", func(w http.ResponseWriter, r *http.Request) {
		write(w, http.StatusInternalServerError, map[string]any{"error": "database unavailable"})
	})
	mux.HandleFunc("/api/v1/sync/snapshot/1", func(w http.ResponseWriter, r *http.Request) {
		write(w, http.StatusOK, map[string]any{"data": types.SnapshotResponse{EventID: 1, Tokens: []types.TokenInfo{{ID: 10, Token: "tok-1", Signature: "abc"}}}})
	})
	return httptest.NewServer(mux)
}

func TestHTTPClientRPCs(t *testing.T) {
	var seen []string
	srv := newFakeCoordinator(t, &seen)
	defer srv.Close()
	c := NewHTTPClient(srv.URL+"/", "device-jwt")
	ctx := context.Background()
	assert.False(t, c.Online())

	info, err := c.FindToken(ctx, "tok-1")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, uint(10), info.ID)
	assert.True(t, c.Online())

	info, err = c.FindToken(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, info)

	res, err := c.AcceptToken(ctx, 10, types.AcceptTokenRequestBody{DeviceID: "door-a"})
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, []string{"door-a"}, seen)

	snap, err := c.Snapshot(ctx, 1)
	require.NoError(t, err)
	require.Len(t, snap.Tokens, 1)
	assert.Equal(t, "abc", snap.Tokens[0].Signature)

	_, err = c.SubmitScan(ctx, types.SubmitScanRequestBody{LocalID: 1, TokenID: 10})
	assert.ErrorIs(t, err, ErrRemote)
	assert.Contains(t, err.Error(), "database unavailable")
	assert.True(t, c.Online())
}

func TestHTTPClientConnectivity(t *testing.T) {
	srv := newFakeCoordinator(t, &[]string{})
	c := NewHTTPClient(srv.URL, "")
	ctx := context.Background()

	assert.True(t, c.Ping(ctx))
	assert.True(t, c.Online())

	srv.Close()
	assert.False(t, c.Ping(ctx))
	assert.False(t, c.Online())

	c.online.Store(true)
	_, err := c.FindToken(ctx, "tok-1")
	assert.Error(t, err)
	assert.False(t, c.Online())
}
