// Package proxy forwards scan submissions and auth payloads to the scanning
// service and turns every outcome into a status code and JSON body.
package proxy

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
	"strconv"
	"strings"
	"time"
)

var (
	LogLevel = &slog.LevelVar{}
	logger   = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: LogLevel}))
)

const (
	logErrorKey  = "error"
	logStatusKey = "status"
)

const (
	ContentTypeJSON   = "application/json"
	ContentTypeText   = "text/plain; charset=utf-8"
	ContentTypeBinary = "application/octet-stream"

	bearerPrefix = "Bearer "
	mib          = 1024 * 1024
)

const (
	MsgUnauthorized = "Unauthorized: No valid token provided"
	MsgNoFile       = "No valid file provided"
	MsgScanInternal = "Internal server error during scan proxy"
	MsgInternal     = "Internal server error"
	MsgInvalidBody  = "Invalid request body"
)

const (
	scanPath     = "scan"
	loginPath    = "auth/login"
	registerPath = "auth/register"

	defaultTimeout       = 5 * time.Minute
	defaultMaxUploadSize = 500 * mib
)

// Doer sends one HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config describes the scanning service and the forwarding limits.
type Config struct {
	// URL is the scanning service base URL, "/scan" and "/auth/*" are appended.
	URL           string
	MaxUploadSize int64
	Timeout       time.Duration
	Insecure      bool
	// Client overrides the HTTP client built from Insecure.
	Client Doer
}

// Proxy relays scans and auth calls to one scanning service.
type Proxy struct {
	base          *url.URL
	client        Doer
	maxUploadSize int64
	timeout       time.Duration
}

// Outcome is what the caller receives: a status, a content type and a body.
type Outcome struct {
	Status      int
	ContentType string
	Body        []byte
}

// NewProxy validates config and applies the default size limit and timeout.
func NewProxy(config Config) (p *Proxy, err error) {
	if config.URL == "" {
		err = errors.New("upstream url is mandatory")
		return
	}
	base, err := url.Parse(config.URL)
	if err != nil {
		err = fmt.Errorf("invalid upstream url: %w", err)
		return
	}
	if base.Scheme != "https" {
		logger.Warn("upstream is not reached over https", slog.String("url", base.Redacted()))
	}
	if config.MaxUploadSize <= 0 {
		config.MaxUploadSize = defaultMaxUploadSize
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	client := config.Client
	if client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if config.Insecure {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in from configuration
		}
		client = &http.Client{Transport: transport}
	}
	p = &Proxy{
		base:          base,
		client:        client,
		maxUploadSize: config.MaxUploadSize,
		timeout:       config.Timeout,
	}
	return
}

func (p *Proxy) MaxUploadSize() int64 {
	return p.maxUploadSize
}

// BearerToken extracts the token of a "Bearer <token>" header.
func BearerToken(authHeader string) (token string, ok bool) {
	token, ok = strings.CutPrefix(authHeader, bearerPrefix)
	if !ok || strings.TrimSpace(token) == "" {
		return "", false
	}
	return token, true
}

// ReadUpload reads at most MaxUploadSize+1 bytes, enough for SubmitScan to
// tell that a body is too large without buffering all of it.
func (p *Proxy) ReadUpload(r io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, p.maxUploadSize+1))
}

// SubmitScan forwards body to the scanning service with the caller's token.
// Auth, emptiness and size are checked first, in that order, and none of those
// failures reaches the network.
func (p *Proxy) SubmitScan(ctx context.Context, body []byte, authHeader string) Outcome {
	token, ok := BearerToken(authHeader)
	if !ok {
		return errorOutcome(http.StatusUnauthorized, MsgUnauthorized)
	}
	if len(body) < 1 {
		return errorOutcome(http.StatusBadRequest, MsgNoFile)
	}
	if int64(len(body)) > p.maxUploadSize {
		return p.TooLarge()
	}

	log := loggerFrom(ctx)
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base.JoinPath(scanPath).String(), bytes.NewReader(body))
	if err != nil {
		log.Error("could not build scan request", slog.String(logErrorKey, err.Error()))
		return errorOutcome(http.StatusInternalServerError, MsgScanInternal)
	}
	req.Header.Set("Content-Type", ContentTypeBinary)
	req.Header.Set("Authorization", bearerPrefix+token)

	status, raw, err := p.do(req)
	if err != nil {
		log.Error("error during scan proxy request", slog.String(logErrorKey, err.Error()))
		return errorOutcome(http.StatusInternalServerError, MsgScanInternal)
	}

	out, err := reencode(raw)
	if err != nil {
		// non JSON answers are relayed as they are
		log.Warn("upstream returned non-JSON response", slog.Int(logStatusKey, status), slog.String("body", truncate(raw, 512)))
		return Outcome{Status: status, ContentType: ContentTypeText, Body: raw}
	}
	log.Debug("scan relayed", slog.Int(logStatusKey, status), slog.Int("size", len(body)))
	return Outcome{Status: status, ContentType: ContentTypeJSON, Body: out}
}

// TooLarge is the outcome for a body above MaxUploadSize.
func (p *Proxy) TooLarge() Outcome {
	limit := strconv.FormatFloat(float64(p.maxUploadSize)/mib, 'f', -1, 64)
	return errorOutcome(http.StatusRequestEntityTooLarge, fmt.Sprintf("Request too large: Max size is %sMB", limit))
}

func (p *Proxy) Login(ctx context.Context, body []byte) Outcome {
	return p.forwardAuth(ctx, loginPath, body)
}

func (p *Proxy) Register(ctx context.Context, body []byte) Outcome {
	return p.forwardAuth(ctx, registerPath, body)
}

func (p *Proxy) forwardAuth(ctx context.Context, path string, body []byte) Outcome {
	log := loggerFrom(ctx).With(slog.String("path", path))

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil || payload == nil {
		log.Debug("invalid auth payload", slog.Any(logErrorKey, err))
		return errorOutcome(http.StatusBadRequest, MsgInvalidBody)
	}
	forwarded, err := json.Marshal(payload)
	if err != nil {
		log.Error("could not encode auth payload", slog.String(logErrorKey, err.Error()))
		return errorOutcome(http.StatusInternalServerError, MsgInternal)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base.JoinPath(path).String(), bytes.NewReader(forwarded))
	if err != nil {
		log.Error("could not build auth request", slog.String(logErrorKey, err.Error()))
		return errorOutcome(http.StatusInternalServerError, MsgInternal)
	}
	req.Header.Set("Content-Type", ContentTypeJSON)

	status, raw, err := p.do(req)
	if err != nil {
		log.Error("auth proxy error", slog.String(logErrorKey, err.Error()))
		return errorOutcome(http.StatusInternalServerError, MsgInternal)
	}
	out, err := reencode(raw)
	if err != nil {
		log.Error("upstream returned non-JSON auth response", slog.Int(logStatusKey, status), slog.String(logErrorKey, err.Error()))
		return errorOutcome(http.StatusInternalServerError, MsgInternal)
	}
	return Outcome{Status: status, ContentType: ContentTypeJSON, Body: out}
}

func (p *Proxy) do(req *http.Request) (status int, body []byte, err error) {
	resp, err := p.client.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	body, err = io.ReadAll(resp.Body)
	if err != nil {
		err = fmt.Errorf("read upstream body: %w", err)
		return
	}
	status = resp.StatusCode
	return
}

// reencode parses raw as JSON and serializes it again.
func reencode(raw []byte) (out []byte, err error) {
	if !json.Valid(raw) {
		err = errors.New("invalid JSON")
		return
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var v any
	if err = decoder.Decode(&v); err != nil {
		return
	}
	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	if err = encoder.Encode(v); err != nil {
		return
	}
	out = bytes.TrimSuffix(buffer.Bytes(), []byte("\n"))
	return
}

// ErrorBody is the JSON payload of every locally generated error.
type ErrorBody struct {
	Error string `json:"error"`
}

func errorOutcome(status int, msg string) Outcome {
	body, _ := json.Marshal(ErrorBody{Error: msg})
	return Outcome{Status: status, ContentType: ContentTypeJSON, Body: body}
}

// Write sends the outcome on w.
func (o Outcome) Write(w http.ResponseWriter) error {
	if o.ContentType != "" {
		w.Header().Set("Content-Type", o.ContentType)
	}
	w.WriteHeader(o.Status)
	_, err := w.Write(o.Body)
	return err
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

type loggerKey struct{}

// ContextWithLogger attaches l to ctx, proxy logs then carry its attributes.
func ContextWithLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// LoggerFromContext returns the logger attached by ContextWithLogger.
func LoggerFromContext(ctx context.Context) (l *slog.Logger, ok bool) {
	l, ok = ctx.Value(loggerKey{}).(*slog.Logger)
	return l, ok && l != nil
}

func loggerFrom(ctx context.Context) *slog.Logger {
	if l, ok := LoggerFromContext(ctx); ok {
		return l
	}
	return logger
}
