// Package app assembles the callwarden gateway from its parts: the UDP
// server, the WebSocket observer bridge, the optional transcript archive,
// and the health/metrics HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/bbbikngman/callwarden/internal/archive"
	"github.com/bbbikngman/callwarden/internal/config"
	"github.com/bbbikngman/callwarden/internal/gateway"
	"github.com/bbbikngman/callwarden/internal/health"
	"github.com/bbbikngman/callwarden/internal/observe"
	"github.com/bbbikngman/callwarden/internal/observer"
	"github.com/bbbikngman/callwarden/internal/transcript"
	"github.com/bbbikngman/callwarden/pkg/provider/llm"
	"github.com/bbbikngman/callwarden/pkg/provider/stt"
	"github.com/bbbikngman/callwarden/pkg/provider/tts"
	"github.com/bbbikngman/callwarden/pkg/provider/vad"
	"github.com/bbbikngman/callwarden/pkg/wire"
)

// httpShutdownGrace bounds how long in-flight HTTP requests may finish
// during shutdown.
const httpShutdownGrace = 5 * time.Second

// Providers carries the instantiated external collaborators.
type Providers struct {
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider
	VAD vad.Engine
}

// App owns the process-level components and their lifecycles.
type App struct {
	cfg     *config.Config
	gateway *gateway.Server
	bridge  *observer.Bridge
	store   archive.Store

	observerSrv *http.Server
	httpSrv     *http.Server
}

// New wires the application from config and providers. The optional
// components (observer bridge, archive, HTTP surface) are created only when
// configured.
func New(ctx context.Context, cfg *config.Config, providers *Providers) (*App, error) {
	a := &App{cfg: cfg}

	// Archive (optional).
	if dsn := cfg.Archive.PostgresDSN; dsn != "" {
		store, err := archive.NewPostgresStore(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("app: archive: %w", err)
		}
		a.store = store
		slog.Info("transcript archive enabled")
	}

	// Observer bridge (optional).
	var events gateway.EventSink
	if cfg.Observer.ListenAddr != "" {
		a.bridge = observer.NewBridge()
		events = a.bridge
		a.observerSrv = &http.Server{
			Addr:    cfg.Observer.ListenAddr,
			Handler: a.bridge,
		}
	}

	// Fraud keyword flagger.
	var flagger *transcript.Flagger
	if len(cfg.Pipeline.FraudKeywords) > 0 {
		flagger = transcript.NewFlagger(cfg.Pipeline.FraudKeywords)
	}

	gw, err := gateway.New(gatewayConfig(cfg), gateway.Deps{
		STT:     providers.STT,
		LLM:     providers.LLM,
		TTS:     providers.TTS,
		VAD:     providers.VAD,
		Flagger: flagger,
		Archive: a.store,
		Events:  events,
		Metrics: observe.DefaultMetrics(),
	})
	if err != nil {
		return nil, fmt.Errorf("app: gateway: %w", err)
	}
	a.gateway = gw

	// Health + metrics HTTP surface (optional).
	if cfg.Server.HTTPAddr != "" {
		mux := http.NewServeMux()
		h := health.NewHandler(func() health.GatewayStatus {
			return health.GatewayStatus{
				Listening:     gw.Listening(),
				ActiveClients: gw.ClientCount(),
				MaxClients:    cfg.Gateway.MaxClients,
			}
		})
		if a.store != nil {
			h.AddProbe("archive", a.store.Ping)
		}
		h.Register(mux)
		mux.Handle("GET /metrics", promhttp.Handler())
		a.httpSrv = &http.Server{Addr: cfg.Server.HTTPAddr, Handler: mux}
	}

	return a, nil
}

// gatewayConfig resolves the YAML schema into the gateway's native config.
func gatewayConfig(cfg *config.Config) gateway.Config {
	return gateway.Config{
		ListenPort:           cfg.Server.ListenPort,
		SampleRate:           cfg.Audio.SampleRate,
		BlockSamples:         cfg.Audio.BlockSamples,
		SilenceFlush:         time.Duration(cfg.Audio.SilenceMsForFlush) * time.Millisecond,
		MaxUtterance:         time.Duration(cfg.Audio.MaxUtteranceMs) * time.Millisecond,
		ReapIdle:             time.Duration(cfg.Gateway.ReapIdleMs) * time.Millisecond,
		InterruptCooldown:    time.Duration(cfg.Gateway.InterruptCooldownMs) * time.Millisecond,
		FragmentBudget:       cfg.Gateway.FragmentMaxBytes - wire.HeaderSize - wire.FragmentHeaderSize,
		DialogueHistoryLimit: cfg.Gateway.DialogueHistoryLimit,
		MaxClients:           cfg.Gateway.MaxClients,
		GreetingText:         cfg.Gateway.GreetingText,
		LanguageHint:         cfg.Pipeline.LanguageHint,
		TTSVoiceID:           cfg.Pipeline.TTSVoiceID,
		SystemPrompt:         cfg.Pipeline.SystemPrompt,
		ErrorText:            cfg.Pipeline.ErrorText,
	}
}

// Run starts every configured component and blocks until ctx is cancelled or
// a component fails fatally.
func (a *App) Run(ctx context.Context) error {
	// Cache the canned error utterance before taking traffic so a TTS outage
	// mid-call has a fallback ready.
	a.gateway.PrepareCannedAudio(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gateway.Run(gctx)
	})

	if a.observerSrv != nil {
		g.Go(func() error {
			slog.Info("observer bridge listening", "addr", a.observerSrv.Addr)
			if err := a.observerSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("observer bridge: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownGrace)
			defer cancel()
			return a.observerSrv.Shutdown(shutdownCtx)
		})
	}

	if a.httpSrv != nil {
		g.Go(func() error {
			slog.Info("http surface listening", "addr", a.httpSrv.Addr)
			if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http surface: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownGrace)
			defer cancel()
			return a.httpSrv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// Shutdown releases resources not tied to Run's context.
func (a *App) Shutdown(_ context.Context) error {
	if a.bridge != nil {
		a.bridge.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
	return nil
}
