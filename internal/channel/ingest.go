package channel

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"signalrelay/internal/domain"
)

// IngestOptions configures the HTTP ingest channel.
type IngestOptions struct {
	Host        string
	Port        int
	Token       string // Bearer token required on POST /ingest
	MetricsPath string // mount Metrics here when both are set
	Metrics     http.Handler
	PendingFn   func() int // pending approval count for /healthz
	Logger      *slog.Logger
}

// Ingest accepts signal text over HTTP for sources that cannot reach the
// relay through Telegram. Messages arrive without chat coordinates, so the
// engine keys any approval by content hash.
type Ingest struct {
	host        string
	port        int
	token       string
	metricsPath string
	metrics     http.Handler
	pending     func() int
	limiter     *rateLimiter
	bus         domain.MessageBus
	logger      *slog.Logger
	server      *http.Server
}

// IngestPayload is the JSON body for POST /ingest.
type IngestPayload struct {
	Text   string `json:"text"`
	Source string `json:"source,omitempty"` // provenance label, like a forward origin
}

// NewIngest creates the ingest channel. An empty token leaves the endpoint
// open; Config.Validate rejects that combination for the shipped binary.
func NewIngest(opts IngestOptions) *Ingest {
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.Port == 0 {
		opts.Port = 8090
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Ingest{
		host:        opts.Host,
		port:        opts.Port,
		token:       opts.Token,
		metricsPath: opts.MetricsPath,
		metrics:     opts.Metrics,
		pending:     opts.PendingFn,
		limiter:     newRateLimiter(30, 60),
		logger:      opts.Logger,
	}
}

func (i *Ingest) Name() string { return "ingest" }

// Start begins the ingest HTTP server and blocks until ctx ends.
func (i *Ingest) Start(ctx context.Context, bus domain.MessageBus) error {
	i.bus = bus

	mux := http.NewServeMux()
	mux.HandleFunc("/ingest", i.handleIngest)
	mux.HandleFunc("/healthz", i.handleHealth)
	if i.metrics != nil && i.metricsPath != "" {
		mux.Handle(i.metricsPath, i.metrics)
	}

	i.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", i.host, i.port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	i.logger.Info("ingest server starting", "addr", i.server.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := i.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		i.logger.Info("ingest server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return i.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("ingest server: %w", err)
	}
}

// Stop is a no-op; shutdown happens when the Start context ends.
func (i *Ingest) Stop() error { return nil }

func (i *Ingest) handleIngest(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(rw, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	if i.token != "" {
		bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			http.Error(rw, "Missing bearer token", http.StatusUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(bearer), []byte(i.token)) != 1 {
			http.Error(rw, "Invalid token", http.StatusForbidden)
			return
		}
	}

	if !i.limiter.Allow() {
		http.Error(rw, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1MB max
	if err != nil {
		http.Error(rw, "Bad Request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	text := ""
	source := ""
	if strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		var payload IngestPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			http.Error(rw, "Invalid JSON", http.StatusBadRequest)
			return
		}
		text = payload.Text
		source = payload.Source
	} else {
		text = string(body)
	}

	if strings.TrimSpace(text) == "" {
		http.Error(rw, "Text is required", http.StatusBadRequest)
		return
	}

	i.logger.Info("ingest message received", "source", source, "text_len", len(text))

	i.bus.Publish(domain.Event{
		Kind: domain.EventMessage,
		Message: &domain.RawMessage{
			Source:        "ingest",
			Text:          text,
			ForwardedFrom: source,
			Received:      time.Now(),
		},
	})

	rw.WriteHeader(http.StatusAccepted)
	json.NewEncoder(rw).Encode(map[string]string{
		"status": "accepted",
	})
}

func (i *Ingest) handleHealth(rw http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if i.pending != nil {
		resp["pendingApprovals"] = i.pending()
	}
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(resp)
}
