package handler

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/glimps-re/scan-proxy/pkg/config"
	"github.com/glimps-re/scan-proxy/pkg/datamodel"
	"github.com/glimps-re/scan-proxy/pkg/normalizer"
	"github.com/glimps-re/scan-proxy/pkg/proxy"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

const testMaxUploadSize = 1024 * 1024

type upstream struct {
	calls  atomic.Int32
	status int
	body   string
	server *httptest.Server
}

func newUpstream(t *testing.T, status int, body string) *upstream {
	t.Helper()
	u := &upstream{status: status, body: body}
	u.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.calls.Add(1)
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(u.status)
		_, _ = w.Write([]byte(u.body))
	}))
	t.Cleanup(u.server.Close)
	return u
}

func newTestHandler(t *testing.T, u *upstream, maxUploadSize int64) *Handler {
	t.Helper()
	p, err := proxy.NewProxy(proxy.Config{URL: u.server.URL, MaxUploadSize: maxUploadSize})
	if err != nil {
		t.Fatalf("NewProxy() error = %v", err)
	}
	return NewHandlerFromProxy(p)
}

func do(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandler_Scan(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       io.Reader
		length     int64
		auth       string
		wantStatus int
		wantBody   string
		wantCalls  int32
	}{
		{
			name:       "relayed",
			path:       "/scan",
			body:       bytes.NewReader([]byte{0x4d, 0x5a}),
			length:     2,
			auth:       "Bearer tok",
			wantStatus: http.StatusOK,
			wantBody:   `{"is_executable":true,"verdict":"Clean"}`,
			wantCalls:  1,
		},
		{
			name:       "api alias",
			path:       "/api/v1/scan",
			body:       bytes.NewReader([]byte{0x4d, 0x5a}),
			length:     2,
			auth:       "Bearer tok",
			wantStatus: http.StatusOK,
			wantBody:   `{"is_executable":true,"verdict":"Clean"}`,
			wantCalls:  1,
		},
		{
			name:       "missing auth",
			path:       "/scan",
			body:       bytes.NewReader([]byte{0x4d, 0x5a}),
			length:     2,
			wantStatus: http.StatusUnauthorized,
			wantBody:   `{"error":"Unauthorized: No valid token provided"}`,
		},
		{
			name:       "empty body",
			path:       "/scan",
			body:       http.NoBody,
			auth:       "Bearer tok",
			wantStatus: http.StatusBadRequest,
			wantBody:   `{"error":"No valid file provided"}`,
		},
		{
			name:       "declared length too large",
			path:       "/scan",
			body:       strings.NewReader("MZ"),
			length:     testMaxUploadSize + 1,
			auth:       "Bearer tok",
			wantStatus: http.StatusRequestEntityTooLarge,
			wantBody:   `{"error":"Request too large: Max size is 1MB"}`,
		},
		{
			name:       "streamed body too large",
			path:       "/scan",
			body:       io.MultiReader(bytes.NewReader(make([]byte, testMaxUploadSize)), strings.NewReader("!")),
			length:     -1,
			auth:       "Bearer tok",
			wantStatus: http.StatusRequestEntityTooLarge,
			wantBody:   `{"error":"Request too large: Max size is 1MB"}`,
		},
		{
			name:       "body at limit",
			path:       "/scan",
			body:       bytes.NewReader(make([]byte, testMaxUploadSize)),
			length:     testMaxUploadSize,
			auth:       "Bearer tok",
			wantStatus: http.StatusOK,
			wantBody:   `{"is_executable":true,"verdict":"Clean"}`,
			wantCalls:  1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := newUpstream(t, http.StatusOK, `{"verdict":"Clean","is_executable":true}`)
			h := newTestHandler(t, u, testMaxUploadSize)
			req := httptest.NewRequest(http.MethodPost, tt.path, tt.body)
			req.ContentLength = tt.length
			req.Header.Set("Content-Type", "application/octet-stream")
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rec := do(h, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if diff := cmp.Diff(tt.wantBody, rec.Body.String()); diff != "" {
				t.Errorf("body mismatch (-want +got):\n%s", diff)
			}
			if got := rec.Header().Get("Content-Type"); got != proxy.ContentTypeJSON {
				t.Errorf("Content-Type = %q", got)
			}
			if n := u.calls.Load(); n != tt.wantCalls {
				t.Errorf("upstream calls = %d, want %d", n, tt.wantCalls)
			}
		})
	}
}

func TestHandler_ScanThenNormalize(t *testing.T) {
	u := newUpstream(t, http.StatusOK, `{"verdict":"Clean","is_executable":true}`)
	h := newTestHandler(t, u, 1024)
	req := httptest.NewRequest(http.MethodPost, "/scan", bytes.NewReader([]byte{0x4d, 0x5a}))
	req.Header.Set("Authorization", "Bearer tok")
	rec := do(h, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	got, err := normalizer.NormalizeJSON(rec.Body.Bytes(), "mz.bin")
	if err != nil {
		t.Fatalf("NormalizeJSON() error = %v", err)
	}
	filename := "mz.bin"
	want := datamodel.ScanResult{
		Verdict:           "Clean",
		IsExecutable:      true,
		Filename:          &filename,
		MalwareType:       "N/A",
		SuspiciousItems:   []datamodel.Suspicion{},
		AnomalousPatterns: []string{},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("normalized result mismatch (-want +got):\n%s", diff)
	}
}

func TestHandler_ScanNonJSONPassthrough(t *testing.T) {
	u := newUpstream(t, http.StatusServiceUnavailable, "upstream overloaded")
	h := newTestHandler(t, u, 1024)
	req := httptest.NewRequest(http.MethodPost, "/scan", strings.NewReader("MZ"))
	req.Header.Set("Authorization", "Bearer tok")
	rec := do(h, req)
	if rec.Code != http.StatusServiceUnavailable || rec.Body.String() != "upstream overloaded" {
		t.Errorf("got %d %q", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != proxy.ContentTypeText {
		t.Errorf("Content-Type = %q", got)
	}
}

func TestHandler_Auth(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
		wantBody   string
		wantCalls  int32
	}{
		{
			name:       "login",
			path:       "/auth/login",
			body:       `{"email":"a@b.c","password":"pw"}`,
			wantStatus: http.StatusOK,
			wantBody:   `{"token":"t"}`,
			wantCalls:  1,
		},
		{
			name:       "register api alias",
			path:       "/api/auth/register",
			body:       `{"email":"a@b.c","password":"pw","full_name":"A"}`,
			wantStatus: http.StatusOK,
			wantBody:   `{"token":"t"}`,
			wantCalls:  1,
		},
		{
			name:       "invalid json",
			path:       "/auth/login",
			body:       `not json`,
			wantStatus: http.StatusBadRequest,
			wantBody:   `{"error":"Invalid request body"}`,
		},
		{
			name:       "body too large",
			path:       "/auth/register",
			body:       `{"email":"` + strings.Repeat("a", maxAuthBodySize) + `"}`,
			wantStatus: http.StatusBadRequest,
			wantBody:   `{"error":"Invalid request body"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := newUpstream(t, http.StatusOK, `{"token":"t"}`)
			h := newTestHandler(t, u, 1024)
			req := httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			rec := do(h, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if diff := cmp.Diff(tt.wantBody, rec.Body.String()); diff != "" {
				t.Errorf("body mismatch (-want +got):\n%s", diff)
			}
			if n := u.calls.Load(); n != tt.wantCalls {
				t.Errorf("upstream calls = %d, want %d", n, tt.wantCalls)
			}
		})
	}
}

func TestHandler_Version(t *testing.T) {
	u := newUpstream(t, http.StatusOK, `{}`)
	h := newTestHandler(t, u, 1024)
	rec := do(h, httptest.NewRequest(http.MethodGet, "/version", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "1" {
		t.Errorf("GET /version = %d %q", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != proxy.ContentTypeJSON {
		t.Errorf("Content-Type = %q", got)
	}
}

func TestHandler_Middleware(t *testing.T) {
	u := newUpstream(t, http.StatusOK, `{}`)
	h := newTestHandler(t, u, 1024)

	rec := do(h, httptest.NewRequest(http.MethodOptions, "/scan", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("OPTIONS /scan status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
	if _, err := uuid.Parse(rec.Header().Get(requestIDHeader)); err != nil {
		t.Errorf("invalid request id %q: %v", rec.Header().Get(requestIDHeader), err)
	}

	id := uuid.NewString()
	req := httptest.NewRequest(http.MethodGet, "/version", nil)
	req.Header.Set(requestIDHeader, id)
	rec = do(h, req)
	if got := rec.Header().Get(requestIDHeader); got != id {
		t.Errorf("request id = %q, want %q", got, id)
	}

	rec = do(h, httptest.NewRequest(http.MethodGet, "/scan", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /scan status = %d", rec.Code)
	}
}

func TestHandler_Recoverer(t *testing.T) {
	h := NewHandlerFromProxy(nil)
	req := httptest.NewRequest(http.MethodPost, "/scan", strings.NewReader("MZ"))
	req.Header.Set("Authorization", "Bearer tok")
	rec := do(h, req)
	if rec.Code != http.StatusInternalServerError || rec.Body.String() != `{"error":"Internal server error"}` {
		t.Errorf("got %d %q", rec.Code, rec.Body.String())
	}
}

func TestHandler_StartStop(t *testing.T) {
	u := newUpstream(t, http.StatusOK, `{"verdict":"Clean"}`)
	conf := &config.Config{
		Server:   config.ServerConfig{Listen: "127.0.0.1:0", MaxUploadSize: "1MiB"},
		Upstream: config.UpstreamConfig{URL: u.server.URL},
	}
	h, err := NewHandler(context.Background(), conf)
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := h.Start(context.Background()); err == nil {
		t.Errorf("second Start() should fail")
	}
	done := h.Done()

	req, err := http.NewRequest(http.MethodPost, "http://"+h.Addr()+"/scan", strings.NewReader("MZ"))
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Authorization", "Bearer tok")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /scan error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != `{"verdict":"Clean"}` {
		t.Errorf("POST /scan = %d %q", resp.StatusCode, body)
	}

	if err := h.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := <-done; err != nil {
		t.Errorf("serve error = %v", err)
	}
	if err := h.Stop(context.Background()); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestNewHandler_BadConfig(t *testing.T) {
	tests := []struct {
		name string
		conf *config.Config
	}{
		{name: "no upstream", conf: &config.Config{}},
		{name: "bad size", conf: &config.Config{Server: config.ServerConfig{MaxUploadSize: "huge"}, Upstream: config.UpstreamConfig{URL: "https://scanner.test"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewHandler(context.Background(), tt.conf); err == nil {
				t.Errorf("NewHandler() error wanted")
			}
		})
	}
}
