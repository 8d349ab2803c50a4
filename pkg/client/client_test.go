package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/glimps-re/scan-proxy/pkg/datamodel"
	"github.com/glimps-re/scan-proxy/pkg/handler"
	"github.com/glimps-re/scan-proxy/pkg/normalizer"
	"github.com/glimps-re/scan-proxy/pkg/proxy"
	"github.com/google/go-cmp/cmp"
)

// newStack starts a fake scanner behind a real proxy handler and returns a client for it.
func newStack(t *testing.T, scanner http.HandlerFunc) *Client {
	t.Helper()
	upstream := httptest.NewServer(scanner)
	t.Cleanup(upstream.Close)
	p, err := proxy.NewProxy(proxy.Config{URL: upstream.URL, MaxUploadSize: 1024})
	if err != nil {
		t.Fatalf("NewProxy() error = %v", err)
	}
	front := httptest.NewServer(handler.NewHandlerFromProxy(p))
	t.Cleanup(front.Close)
	c, err := NewClient(Config{URL: front.URL})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

func TestClient_Scan(t *testing.T) {
	tests := []struct {
		name     string
		token    string
		content  string
		status   int
		response string
		want     func() datamodel.ScanResult
		check    func(t *testing.T, err error)
	}{
		{
			name:     "clean",
			token:    "tok",
			content:  "MZ",
			status:   http.StatusOK,
			response: `{"verdict":"Clean","is_executable":true}`,
			want: func() datamodel.ScanResult {
				name := "a.exe"
				return datamodel.ScanResult{
					Verdict:           "Clean",
					IsExecutable:      true,
					Filename:          &name,
					MalwareType:       "N/A",
					SuspiciousItems:   []datamodel.Suspicion{},
					AnomalousPatterns: []string{},
				}
			},
		},
		{
			name:     "malicious with imports",
			token:    "tok",
			content:  "MZ",
			status:   http.StatusOK,
			response: `{"verdict":"Malicious","sha256_hash":"abc","malware_type":"Trojan","suspicious_imports":["no","kernel32.dll!VirtualAllocEx"]}`,
			want: func() datamodel.ScanResult {
				name := "a.exe"
				hash := "abc"
				return datamodel.ScanResult{
					Verdict:           "Malicious",
					Filename:          &name,
					FileHash:          &hash,
					MalwareType:       "Trojan",
					SuspiciousItems:   []datamodel.Suspicion{{Pattern: "kernel32.dll!VirtualAllocEx"}},
					AnomalousPatterns: []string{},
				}
			},
		},
		{
			name:    "missing token",
			content: "MZ",
			check: func(t *testing.T, err error) {
				var apiErr *APIError
				if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized || apiErr.Message != proxy.MsgUnauthorized {
					t.Errorf("Scan() error = %v, want 401 APIError", err)
				}
			},
		},
		{
			name:    "empty file",
			token:   "tok",
			content: "",
			check: func(t *testing.T, err error) {
				var apiErr *APIError
				if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
					t.Errorf("Scan() error = %v, want 400 APIError", err)
				}
			},
		},
		{
			name:    "too large",
			token:   "tok",
			content: strings.Repeat("A", 1025),
			check: func(t *testing.T, err error) {
				var apiErr *APIError
				if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusRequestEntityTooLarge {
					t.Errorf("Scan() error = %v, want 413 APIError", err)
				}
			},
		},
		{
			name:     "upstream error relayed",
			token:    "expired",
			content:  "MZ",
			status:   http.StatusForbidden,
			response: `{"error":"token expired"}`,
			check: func(t *testing.T, err error) {
				var apiErr *APIError
				if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusForbidden || apiErr.Message != "token expired" {
					t.Errorf("Scan() error = %v, want 403 APIError", err)
				}
			},
		},
		{
			name:     "non json upstream",
			token:    "tok",
			content:  "MZ",
			status:   http.StatusBadGateway,
			response: `<html>bad gateway</html>`,
			check: func(t *testing.T, err error) {
				if !errors.Is(err, ErrUnexpectedResponse) {
					t.Errorf("Scan() error = %v, want ErrUnexpectedResponse", err)
				}
			},
		},
		{
			name:     "missing verdict",
			token:    "tok",
			content:  "MZ",
			status:   http.StatusOK,
			response: `{"is_executable":true}`,
			check: func(t *testing.T, err error) {
				if !errors.Is(err, normalizer.ErrMalformedUpstreamResponse) {
					t.Errorf("Scan() error = %v, want ErrMalformedUpstreamResponse", err)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newStack(t, func(w http.ResponseWriter, r *http.Request) {
				body, _ := io.ReadAll(r.Body)
				if string(body) != tt.content {
					t.Errorf("scanner received %q, want %q", body, tt.content)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.response))
			})
			got, err := c.Scan(context.Background(), Credential{Token: tt.token}, "a.exe", strings.NewReader(tt.content))
			if tt.check != nil {
				tt.check(t, err)
				return
			}
			if err != nil {
				t.Fatalf("Scan() error = %v", err)
			}
			if diff := cmp.Diff(tt.want(), got); diff != "" {
				t.Errorf("Scan() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestClient_Auth(t *testing.T) {
	var (
		mu       sync.Mutex
		gotPaths []string
	)
	c := newStack(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotPaths = append(gotPaths, r.URL.Path)
		mu.Unlock()
		body, _ := io.ReadAll(r.Body)
		if r.URL.Path == "/auth/register" && !strings.Contains(string(body), `"full_name":"Ada"`) {
			t.Errorf("register body = %s", body)
		}
		if strings.Contains(string(body), "wrong") {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"Invalid credentials"}`))
			return
		}
		_, _ = w.Write([]byte(`{"token":"jwt","user":{"email":"ada@example.com","full_name":"Ada","tier":"pro"}}`))
	})

	want := AuthResponse{Token: "jwt", User: User{Email: "ada@example.com", FullName: "Ada", Tier: "pro"}}
	got, err := c.Login(context.Background(), "ada@example.com", "secret")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Login() mismatch (-want +got):\n%s", diff)
	}
	if got.Credential().Token != "jwt" {
		t.Errorf("Credential() = %v", got.Credential())
	}

	got, err = c.Register(context.Background(), "ada@example.com", "secret", "Ada")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Register() mismatch (-want +got):\n%s", diff)
	}

	_, err = c.Login(context.Background(), "ada@example.com", "wrong")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized || apiErr.Message != "Invalid credentials" {
		t.Errorf("Login() error = %v, want 401 APIError", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]string{"/auth/login", "/auth/register", "/auth/login"}, gotPaths); diff != "" {
		t.Errorf("scanner paths mismatch (-want +got):\n%s", diff)
	}
}

func TestClient_Version(t *testing.T) {
	c := newStack(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("version must not reach the scanner")
	})
	got, err := c.Version(context.Background())
	if err != nil {
		t.Fatalf("Version() error = %v", err)
	}
	if got != 1 {
		t.Errorf("Version() = %d, want 1", got)
	}
}

func TestClient_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	c, err := NewClient(Config{URL: url})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if _, err := c.Version(context.Background()); err == nil {
		t.Errorf("Version() error wanted")
	}
}

func TestNewClient(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Errorf("NewClient() without url should fail")
	}
	if _, err := NewClient(Config{URL: "://bad"}); err == nil {
		t.Errorf("NewClient() with invalid url should fail")
	}
}
