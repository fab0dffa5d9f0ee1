package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/soilsong/internal/bus"
	"github.com/loqalabs/soilsong/internal/config"
	"github.com/loqalabs/soilsong/internal/eventstore"
	"github.com/loqalabs/soilsong/internal/httpapi"
	"github.com/loqalabs/soilsong/internal/iam"
	"github.com/loqalabs/soilsong/internal/llm"
	"github.com/loqalabs/soilsong/internal/natsserver"
	"github.com/loqalabs/soilsong/internal/storage"
	"github.com/loqalabs/soilsong/internal/story"
	"github.com/loqalabs/soilsong/internal/tts"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	natsServer  *natsserver.EmbeddedServer
	busClient   *bus.Client
	eventStore  *eventstore.Store
	ready       atomic.Bool
	addr        atomic.Value
	started     chan struct{}
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		logger:  logger,
		started: make(chan struct{}),
	}
}

// Started is closed once the HTTP listener accepts connections.
func (r *Runtime) Started() <-chan struct{} { return r.started }

// Addr is the bound listen address, empty before Started.
func (r *Runtime) Addr() string {
	if v, ok := r.addr.Load().(string); ok {
		return v
	}
	return ""
}

// Start wires every component and serves until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startBus(ctx); err != nil {
		r.shutdown()
		return err
	}

	r.eventStore, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		r.shutdown()
		return fmt.Errorf("failed to open event store: %w", err)
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.eventStore.RunPruner(ctx, time.Hour)
	}()

	stores, err := storage.Open(ctx, r.cfg.Storage)
	if err != nil {
		r.shutdown()
		return fmt.Errorf("failed to open storage: %w", err)
	}

	client := newHTTPClient()
	tokens := iam.NewTokenCache(r.cfg.IAM, client, r.logger)
	generator := llm.NewGenerator(r.cfg.LLM, tokens, client, r.logger)
	provider, err := tts.NewProvider(r.cfg.TTS, client, r.logger)
	if err != nil {
		r.shutdown()
		return fmt.Errorf("failed to create speech provider: %w", err)
	}
	synth := tts.NewSynthesizer(r.cfg.TTS, provider, stores.Audio, r.cfg.Storage.AudioBaseURL, r.logger)

	events := story.Publishers{r.eventStore}
	if r.busClient != nil {
		events = append(events, r.busClient)
	}
	stories := story.NewService(r.cfg.Story, generator, synth, events, r.logger)

	var ledger httpapi.EventLister
	if r.cfg.EventStore.RetentionMode != "ephemeral" {
		ledger = r.eventStore
	}

	handler := httpapi.NewRouter(httpapi.RouterConfig{
		ServiceName:     r.cfg.ServiceName,
		Mode:            r.cfg.LLM.Mode,
		Production:      r.cfg.Production(),
		MaxBodyBytes:    r.cfg.HTTP.MaxBodyBytes,
		ImageDescriptor: r.cfg.Story.ImageDescriptor,
		RateLimit:       r.cfg.RateLimit,
	}, r.logger, stories, stores, ledger, metricsHandler, r.healthy)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		r.shutdown()
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.httpServer = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      config.Duration(r.cfg.Story.RequestTimeoutMS) + 10*time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slogError(err))
			cancel()
		}
	}()

	r.addr.Store(listener.Addr().String())
	r.ready.Store(true)
	close(r.started)
	r.logger.Info("runtime started",
		slog.String("addr", listener.Addr().String()),
		slog.String("llm_mode", r.cfg.LLM.Mode),
		slog.String("tts_mode", r.cfg.TTS.Mode),
		slog.String("storage", r.cfg.Storage.Backend))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slogError(err))
	}
	r.wg.Wait()
	r.shutdown()

	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	r.natsServer = embedded
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect bus: %w", err)
	}
	r.busClient = client
	if err := client.EnsureStoryStream(); err != nil {
		r.logger.Warn("story events will not be retained", slogError(err))
	}
	return nil
}

func (r *Runtime) shutdown() {
	if err := r.eventStore.Close(); err != nil {
		r.logger.Error("event store close error", slogError(err))
	}
	r.busClient.Close()
	r.natsServer.Shutdown()
	if r.tracerClose != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}
}

func (r *Runtime) healthy() bool {
	if !r.ready.Load() {
		return false
	}
	return !r.cfg.Bus.Enabled || r.busClient.Healthy()
}

// newHTTPClient is shared by outbound calls; deadlines come from request contexts.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 90 * time.Second,
			MaxIdleConnsPerHost:   8,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
