package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mfilipek/verba/internal/eventlog"
	"github.com/mfilipek/verba/internal/llm"
	"github.com/mfilipek/verba/internal/metrics"
	"github.com/mfilipek/verba/internal/store"
	"github.com/mfilipek/verba/internal/stream"
	"github.com/mfilipek/verba/internal/stt"
)

type RouterConfig struct {
	// LLM settings for the conversation path
	OpenAIAPIKey string
	ChatModel    string
	SystemPrompt string

	// Voice input transcription
	WhisperModel    string
	WhisperLanguage string

	// Maximum retained conversation turns per session; older turns are
	// dropped to keep prompts bounded
	MaxConversationHistory int

	// JWT authentication; empty secret disables auth entirely
	AuthSecret string

	// Shared pooled HTTP client for provider calls; nil gets a default
	HTTPClient *http.Client
}

type Router struct {
	cfg      RouterConfig
	logger   *log.Logger
	store    *store.Store // may be nil when no database is configured
	eventLog *eventlog.Logger
	metrics  *metrics.Metrics // may be nil
	manager  *stream.Manager
	conns    *ConnRegistry
	llm      llm.Client // nil when chat is not configured
	sttc     stt.Client // nil when transcription is not configured
	mux      *http.ServeMux
}

func NewRouter(cfg RouterConfig, logger *log.Logger, s *store.Store, eventLog *eventlog.Logger, m *metrics.Metrics, manager *stream.Manager, conns *ConnRegistry) http.Handler {
	if cfg.MaxConversationHistory == 0 {
		cfg.MaxConversationHistory = 40
	}
	if eventLog == nil {
		eventLog = eventlog.New(nil)
	}

	r := &Router{
		cfg:      cfg,
		logger:   logger,
		store:    s,
		eventLog: eventLog,
		metrics:  m,
		manager:  manager,
		conns:    conns,
		mux:      http.NewServeMux(),
	}

	if cfg.OpenAIAPIKey != "" {
		r.llm = llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:       cfg.OpenAIAPIKey,
			Model:        cfg.ChatModel,
			SystemPrompt: cfg.SystemPrompt,
			HTTPClient:   cfg.HTTPClient,
		})
		r.sttc = stt.NewWhisperClient(stt.WhisperConfig{
			APIKey:     cfg.OpenAIAPIKey,
			Model:      cfg.WhisperModel,
			Language:   cfg.WhisperLanguage,
			HTTPClient: cfg.HTTPClient,
		})
	} else {
		logger.Printf("router: OPENAI_API_KEY not set, chat and transcription disabled")
	}

	r.routes()
	return withSentryRecovery(withCORS(r.mux))
}

func (r *Router) routes() {
	// Health check and metrics
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)
	r.mux.HandleFunc("GET /readyz", r.handleReadyz)
	r.mux.Handle("GET /metrics", promhttp.Handler())

	// Realtime client connection
	r.mux.HandleFunc("GET /ws", r.handleClientWS)

	// Session history API
	r.mux.HandleFunc("GET /api/sessions", r.withAuth(r.handleListSessions))
	r.mux.HandleFunc("GET /api/sessions/{sessionId}", r.withAuth(r.handleGetSession))
	r.mux.HandleFunc("GET /api/sessions/{sessionId}/utterances", r.withAuth(r.handleListUtterances))
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports readiness for new connections; during shutdown it
// flips to 503 so load balancers stop routing here.
func (r *Router) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if r.conns.IsDraining() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("draining"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// captureError sends an error to Sentry with request context
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}
