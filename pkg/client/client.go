// Package client talks to the scan proxy: auth, scan submission and version.
// Scan answers are returned normalized.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/glimps-re/scan-proxy/pkg/datamodel"
	"github.com/glimps-re/scan-proxy/pkg/normalizer"
)

var LogLevel = &slog.LevelVar{}

var logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
	Level: LogLevel,
}))

// ErrUnexpectedResponse is returned when the proxy answer is not JSON.
var ErrUnexpectedResponse = errors.New("an unexpected server response was received")

// APIError is a non 2xx answer from the proxy.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Message)
}

// Credential is the bearer token obtained from Login or Register. It is passed
// explicitly to every call that needs it.
type Credential struct {
	Token string
}

func (c Credential) header() string {
	return "Bearer " + c.Token
}

// User is the account returned with a token.
type User struct {
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Tier     string `json:"tier"`
}

// AuthResponse is the answer of Login and Register.
type AuthResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// Credential returns the credential carried by the auth answer.
func (a AuthResponse) Credential() Credential {
	return Credential{Token: a.Token}
}

// LoginRequest is the body sent to auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RegisterRequest is the body sent to auth/register.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}

// Config locates the proxy and tunes the HTTP client.
type Config struct {
	URL      string
	Timeout  time.Duration
	Insecure bool
	// HTTPClient overrides the client built from Timeout and Insecure.
	HTTPClient *http.Client
}

// Client calls the scan proxy. It holds no credential.
type Client struct {
	base       *url.URL
	httpClient *http.Client
}

func NewClient(config Config) (c *Client, err error) {
	if config.URL == "" {
		err = errors.New("proxy url is mandatory")
		return
	}
	base, err := url.Parse(config.URL)
	if err != nil {
		err = fmt.Errorf("invalid proxy url: %w", err)
		return
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if config.Insecure {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // Configuration choose by user
		}
		httpClient = &http.Client{Transport: transport, Timeout: config.Timeout}
	}
	c = &Client{base: base, httpClient: httpClient}
	return
}

func (c *Client) Login(ctx context.Context, email, password string) (auth AuthResponse, err error) {
	err = c.postJSON(ctx, "auth/login", LoginRequest{Email: email, Password: password}, &auth)
	return
}

func (c *Client) Register(ctx context.Context, email, password, fullName string) (auth AuthResponse, err error) {
	err = c.postJSON(ctx, "auth/register", RegisterRequest{Email: email, Password: password, FullName: fullName}, &auth)
	return
}

// Scan uploads content and returns the normalized result. filename is used
// when the scanner does not report one.
func (c *Client) Scan(ctx context.Context, cred Credential, filename string, content io.Reader) (result datamodel.ScanResult, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.JoinPath("scan").String(), content)
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Authorization", cred.header())

	status, raw, err := c.do(req)
	if err != nil {
		return
	}
	if err = checkStatus(status, raw); err != nil {
		return
	}
	result, err = normalizer.NormalizeJSON(raw, filename)
	if err != nil {
		logger.Debug("could not normalize scan result", slog.String("filename", filename), slog.String("error", err.Error()))
		return
	}
	return
}

// Version returns the version marker served by the proxy.
func (c *Client) Version(ctx context.Context) (version int, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base.JoinPath("version").String(), nil)
	if err != nil {
		return
	}
	status, raw, err := c.do(req)
	if err != nil {
		return
	}
	if err = checkStatus(status, raw); err != nil {
		return
	}
	if err = json.Unmarshal(raw, &version); err != nil {
		err = fmt.Errorf("%w: %w", ErrUnexpectedResponse, err)
	}
	return
}

func (c *Client) postJSON(ctx context.Context, path string, payload any, out any) (err error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.JoinPath(path).String(), bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	status, raw, err := c.do(req)
	if err != nil {
		return
	}
	if err = checkStatus(status, raw); err != nil {
		return
	}
	if err = json.Unmarshal(raw, out); err != nil {
		err = fmt.Errorf("%w: %w", ErrUnexpectedResponse, err)
	}
	return
}

func (c *Client) do(req *http.Request) (status int, body []byte, err error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		err = fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
		return
	}
	defer resp.Body.Close()
	body, err = io.ReadAll(resp.Body)
	if err != nil {
		err = fmt.Errorf("read response body: %w", err)
		return
	}
	status = resp.StatusCode
	return
}

func checkStatus(status int, raw []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &e); err != nil {
		return fmt.Errorf("%w (status %d)", ErrUnexpectedResponse, status)
	}
	if e.Error == "" {
		e.Error = "Request failed"
	}
	return &APIError{StatusCode: status, Message: e.Error}
}
