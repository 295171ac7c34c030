package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"gatekeeper/src/config"
	"gatekeeper/src/lib"
	"gatekeeper/src/types"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
)

const apiPrefix = "/api/v1"

var ErrRemote = errors.New("coordinator error")

// envelope is the body shape of every RPC response.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

// HTTPClient is the device's view of the coordinator. It doubles as the
// connectivity signal: every RPC outcome and every ping updates Online.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
	online  atomic.Bool
}

func NewHTTPClient(baseURL string, deviceToken string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   deviceToken,
		http:    &http.Client{Timeout: config.RPC_TIMEOUT},
	}
}

func (c *HTTPClient) Online() bool {
	return c.online.Load()
}

func (c *HTTPClient) setOnline(v bool) {
	if c.online.Swap(v) != v {
		log.Printf("[client] Coordinator reachable: %v\n", v)
	}
}

// Ping checks the coordinator health route.
func (c *HTTPClient) Ping(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return false
	}
	res, err := c.http.Do(req)
	if err != nil {
		c.setOnline(false)
		return false
	}
	io.Copy(io.Discard, res.Body)
	res.Body.Close()
	ok := res.StatusCode == http.StatusOK
	c.setOnline(ok)
	return ok
}

// StartHeartbeat keeps Online current between RPCs.
func (c *HTTPClient) StartHeartbeat() error {
	_, err := lib.CreateDurationJob("connectivity-check", config.CONNECTIVITY_CHECK_INTERVAL, func() {
		ctx, cancel := context.WithTimeout(context.Background(), config.CONNECTIVITY_CHECK_INTERVAL)
		defer cancel()
		c.Ping(ctx)
	})
	return err
}

// call performs one RPC and decodes data into out. It returns the HTTP
// status so callers can treat 404 as an answer rather than a failure.
func (c *HTTPClient) call(ctx context.Context, method string, route string, body any, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+route, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	res, err := c.http.Do(req)
	if err != nil {
		c.setOnline(false)
		return 0, err
	}
	defer res.Body.Close()
	c.setOnline(true)

	var env envelope
	if err := json.NewDecoder(res.Body).Decode(&env); err != nil && !errors.Is(err, io.EOF) {
		return res.StatusCode, fmt.Errorf("%w: %s %s: unreadable response: %s", ErrRemote, method, route, err.Error())
	}
	if res.StatusCode >= 300 {
		return res.StatusCode, fmt.Errorf("%w: %s %s: %d %s", ErrRemote, method, route, res.StatusCode, env.Error)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return res.StatusCode, err
		}
	}
	return res.StatusCode, nil
}

func (c *HTTPClient) VerifySignature(ctx context.Context, token string, signature string, meta types.ScanMeta) (*types.VerifySignatureResponse, error) {
	var out types.VerifySignatureResponse
	body := types.VerifySignatureRequestBody{Token: token, Signature: signature, Meta: meta}
	if _, err := c.call(ctx, http.MethodPost, "/signatures/verify", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FindToken returns nil, nil when the coordinator does not know identifier.
func (c *HTTPClient) FindToken(ctx context.Context, identifier string) (*types.TokenInfo, error) {
	var out types.TokenInfo
	status, err := c.call(ctx, http.MethodGet, "/tokens/"+url.PathEscape(identifier), nil, &out)
	if status == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) AcceptToken(ctx context.Context, tokenID uint, body types.AcceptTokenRequestBody) (*types.AcceptTokenResult, error) {
	var out types.AcceptTokenResult
	if _, err := c.call(ctx, http.MethodPost, "/tokens/"+strconv.FormatUint(uint64(tokenID), 10)+"/accept", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) ProcessVipScanWithReentry(ctx context.Context, passID uint, body types.VipScanRequestBody) (*types.VipScanResult, error) {
	var out types.VipScanResult
	if _, err := c.call(ctx, http.MethodPost, "/vip/passes/"+strconv.FormatUint(uint64(passID), 10)+"/scan", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) SubmitScan(ctx context.Context, body types.SubmitScanRequestBody) (*types.SubmitScanResult, error) {
	var out types.SubmitScanResult
	if _, err := c.call(ctx, http.MethodPost, "/sync/scans", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) ScanStatuses(ctx context.Context, body types.ScanStatusRequestBody) (*types.ScanStatusResponse, error) {
	var out types.ScanStatusResponse
	if _, err := c.call(ctx, http.MethodPost, "/sync/scans/status", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) Snapshot(ctx context.Context, eventID uint) (*types.SnapshotResponse, error) {
	var out types.SnapshotResponse
	if _, err := c.call(ctx, http.MethodGet, "/sync/snapshot/"+strconv.FormatUint(uint64(eventID), 10), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LogScan and LogFailedScan post to the HTTP log route, used when no broker
// is configured on the device.
func (c *HTTPClient) LogScan(ctx context.Context, r types.ScanRecord) error {
	_, err := c.call(ctx, http.MethodPost, "/scans/log", types.LogScanRequestBody{Record: r}, nil)
	return err
}

func (c *HTTPClient) LogFailedScan(ctx context.Context, r types.ScanRecord) error {
	_, err := c.call(ctx, http.MethodPost, "/scans/log", types.LogScanRequestBody{Failed: true, Record: r}, nil)
	return err
}
