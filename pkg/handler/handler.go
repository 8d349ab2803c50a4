package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/glimps-re/scan-proxy/pkg/config"
	"github.com/glimps-re/scan-proxy/pkg/proxy"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

var LogLevel = &slog.LevelVar{}

var logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
	Level: LogLevel,
}))

const (
	logErrorKey     = "error"
	requestIDHeader = "X-Request-Id"

	maxAuthBodySize   = 1024 * 1024 // 1 MiB
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 30 * time.Second
)

const msgVersionInternal = "Internal server error during version proxy"

// Handler serves the scan proxy HTTP surface.
type Handler struct {
	proxy  *proxy.Proxy
	router chi.Router
	conf   *config.Config

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	done     chan error
}

var _ http.Handler = &Handler{}

func NewHandler(ctx context.Context, conf *config.Config) (h *Handler, err error) {
	h = &Handler{conf: conf}
	if err = h.setupProxy(ctx, conf); err != nil {
		err = fmt.Errorf("setup proxy error: %w", err)
		return
	}
	h.routes()
	return
}

// NewHandlerFromProxy builds a Handler around an existing proxy.
func NewHandlerFromProxy(p *proxy.Proxy) *Handler {
	h := &Handler{proxy: p, conf: &config.Config{}}
	h.routes()
	return h
}

func (h *Handler) setupProxy(_ context.Context, conf *config.Config) (err error) {
	maxUploadSize, err := conf.MaxUploadBytes()
	if err != nil {
		return
	}
	p, err := proxy.NewProxy(proxy.Config{
		URL:           conf.Upstream.URL,
		MaxUploadSize: maxUploadSize,
		Timeout:       conf.Upstream.Timeout,
		Insecure:      conf.Upstream.Insecure,
	})
	if err != nil {
		return
	}
	h.proxy = p
	logger.Info("proxy configured", slog.String("upstream", conf.Upstream.URL), slog.Int64("max-upload-size", maxUploadSize))
	return
}

func (h *Handler) routes() {
	r := chi.NewRouter()
	r.Use(h.requestContext)
	r.Use(h.recoverer)
	r.Use(corsMiddleware)

	for _, path := range []string{"/scan", "/auth/login", "/auth/register", "/api/v1/scan", "/api/auth/login", "/api/auth/register"} {
		r.Options(path, optionsHandler("POST"))
	}
	r.Options("/version", optionsHandler("GET"))

	r.Post("/scan", h.handleScan)
	r.Post("/auth/login", h.handleLogin)
	r.Post("/auth/register", h.handleRegister)
	r.Get("/version", h.handleVersion)

	r.Route("/api", func(r chi.Router) {
		r.Post("/v1/scan", h.handleScan)
		r.Post("/auth/login", h.handleLogin)
		r.Post("/auth/register", h.handleRegister)
	})
	h.router = r
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// Start listens on the configured address and serves in background.
func (h *Handler) Start(_ context.Context) (err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.server != nil {
		return errors.New("handler already started")
	}
	addr := h.conf.Server.Listen
	if addr == "" {
		addr = config.DefaultListenAddress
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return
	}
	h.listener = listener
	h.server = &http.Server{
		Handler:           h,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       h.conf.Server.ReadTimeout,
	}
	h.done = make(chan error, 1)
	go func(srv *http.Server, done chan<- error) {
		if e := srv.Serve(listener); e != nil && !errors.Is(e, http.ErrServerClosed) {
			done <- e
		}
		close(done)
	}(h.server, h.done)
	logger.Info("scan proxy started", slog.String("address", listener.Addr().String()))
	return
}

// Addr returns the listening address once started.
func (h *Handler) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

// Done is closed when the server stops, it carries the serve error if any.
func (h *Handler) Done() <-chan error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

// Stop gracefully shuts the server down, in-flight scans get shutdownTimeout to end.
func (h *Handler) Stop(ctx context.Context) (err error) {
	h.mu.Lock()
	srv := h.server
	h.server = nil
	h.listener = nil
	h.mu.Unlock()
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err = srv.Shutdown(ctx); err != nil {
		return
	}
	logger.Info("scan proxy stopped")
	return
}

func (h *Handler) handleScan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	auth := r.Header.Get("Authorization")
	if _, ok := proxy.BearerToken(auth); !ok {
		h.write(w, r, h.proxy.SubmitScan(ctx, nil, auth))
		return
	}
	if r.ContentLength > h.proxy.MaxUploadSize() {
		h.write(w, r, h.proxy.TooLarge())
		return
	}
	body, err := h.proxy.ReadUpload(r.Body)
	if err != nil {
		requestLogger(r).Error("could not read upload", slog.String(logErrorKey, err.Error()))
		writeError(w, http.StatusInternalServerError, proxy.MsgScanInternal)
		return
	}
	h.write(w, r, h.proxy.SubmitScan(ctx, body, auth))
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	body, ok := readAuthBody(w, r)
	if !ok {
		return
	}
	h.write(w, r, h.proxy.Login(r.Context(), body))
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	body, ok := readAuthBody(w, r)
	if !ok {
		return
	}
	h.write(w, r, h.proxy.Register(r.Context(), body))
}

func (h *Handler) handleVersion(w http.ResponseWriter, r *http.Request) {
	body, err := json.Marshal(config.Version)
	if err != nil {
		requestLogger(r).Error("error during version request", slog.String(logErrorKey, err.Error()))
		writeError(w, http.StatusInternalServerError, msgVersionInternal)
		return
	}
	h.write(w, r, proxy.Outcome{Status: http.StatusOK, ContentType: proxy.ContentTypeJSON, Body: body})
}

func readAuthBody(w http.ResponseWriter, r *http.Request) (body []byte, ok bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAuthBodySize))
	if err != nil {
		requestLogger(r).Debug("could not read auth body", slog.String(logErrorKey, err.Error()))
		writeError(w, http.StatusBadRequest, proxy.MsgInvalidBody)
		return
	}
	return body, true
}

func (h *Handler) write(w http.ResponseWriter, r *http.Request, o proxy.Outcome) {
	if err := o.Write(w); err != nil {
		requestLogger(r).Warn("could not write response", slog.String(logErrorKey, err.Error()))
	}
}

func requestLogger(r *http.Request) *slog.Logger {
	if l, ok := proxy.LoggerFromContext(r.Context()); ok {
		return l
	}
	return logger
}

func writeError(w http.ResponseWriter, status int, msg string) {
	body, _ := json.Marshal(proxy.ErrorBody{Error: msg})
	w.Header().Set("Content-Type", proxy.ContentTypeJSON)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// requestContext tags each request with an id and logs it once served.
func (h *Handler) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		reqLogger := logger.With(slog.String("request-id", id))
		r = r.WithContext(proxy.ContextWithLogger(r.Context(), reqLogger))

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		reqLogger.Info("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

func (h *Handler) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				requestLogger(r).Error("panic during request", slog.Any(logErrorKey, rec))
				writeError(w, http.StatusInternalServerError, proxy.MsgInternal)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Expose-Headers", requestIDHeader)
		w.Header().Set("Access-Control-Max-Age", "86400")
		next.ServeHTTP(w, r)
	})
}

func optionsHandler(methods string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Methods", methods)
		w.WriteHeader(http.StatusNoContent)
	}
}
