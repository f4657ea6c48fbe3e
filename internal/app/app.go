package app

import (
	"context"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mfilipek/verba/internal/eventlog"
	"github.com/mfilipek/verba/internal/httpapi"
	"github.com/mfilipek/verba/internal/metrics"
	"github.com/mfilipek/verba/internal/store"
	"github.com/mfilipek/verba/internal/stream"
	"github.com/mfilipek/verba/internal/tts"
)

type App struct {
	cfg        Config
	logger     *log.Logger
	db         *pgxpool.Pool // nil without DATABASE_URL
	store      *store.Store  // nil without DATABASE_URL
	eventLog   *eventlog.Logger
	metrics    *metrics.Metrics
	manager    *stream.Manager
	httpClient *http.Client // shared pooled client for provider APIs
}

func New(cfg Config, logger *log.Logger) (*App, error) {
	var db *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		db = pool
	} else {
		logger.Printf("app: DATABASE_URL not set, running without persistence")
	}

	var s *store.Store
	if db != nil {
		s = store.New(db)
	}
	el := eventlog.New(db)
	m := metrics.New()

	// Migrations are applied externally by the deploy job; no automatic
	// migration runner at startup.

	// Shared HTTP client with connection pooling for provider APIs. Keeps
	// TCP connections alive to reduce latency for repeated calls.
	httpClient := &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	if cfg.CartesiaAPIKey == "" {
		logger.Printf("app: CARTESIA_API_KEY not set, synthesis requests will fail")
	}
	ttsClient := tts.NewCartesiaClient(tts.CartesiaConfig{
		APIKey:     cfg.CartesiaAPIKey,
		VoiceID:    cfg.TTSVoiceID,
		ModelID:    cfg.TTSModelID,
		Language:   cfg.TTSLanguage,
		SampleRate: cfg.SampleRate,
	})

	manager := stream.NewManager(stream.Config{
		SampleRate:        cfg.SampleRate,
		FrameDuration:     cfg.FrameDuration(),
		Gain:              cfg.Gain,
		SmoothingAlpha:    cfg.SmoothingAlpha,
		AutoGain:          cfg.AutoGain,
		PacerCorridor:     time.Duration(cfg.PacerCorridorMs) * time.Millisecond,
		PacerStep:         time.Duration(cfg.PacerStepMs) * time.Millisecond,
		BufferLowWaterMs:  cfg.BufferLowWaterMs,
		BufferHighWaterMs: cfg.BufferHighWaterMs,
		Synthesize: func(ctx context.Context, text string) (stream.Source, error) {
			return ttsClient.Synthesize(ctx, text)
		},
	}, logger, m, el)

	return &App{
		cfg:        cfg,
		logger:     logger,
		db:         db,
		store:      s,
		eventLog:   el,
		metrics:    m,
		manager:    manager,
		httpClient: httpClient,
	}, nil
}

func (a *App) Router(conns *httpapi.ConnRegistry) http.Handler {
	routerCfg := httpapi.RouterConfig{
		OpenAIAPIKey:           a.cfg.OpenAIAPIKey,
		ChatModel:              a.cfg.ChatModel,
		SystemPrompt:           a.cfg.SystemPrompt,
		WhisperModel:           a.cfg.WhisperModel,
		WhisperLanguage:        a.cfg.WhisperLanguage,
		MaxConversationHistory: a.cfg.MaxConversationHistory,
		AuthSecret:             a.cfg.AuthSecret,
		HTTPClient:             a.httpClient,
	}
	return httpapi.NewRouter(routerCfg, a.logger, a.store, a.eventLog, a.metrics, a.manager, conns)
}

func (a *App) Close() error {
	if a.db != nil {
		a.db.Close()
	}
	return nil
}
