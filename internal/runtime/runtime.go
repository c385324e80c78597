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

	"github.com/loqalabs/loqa-interview/internal/bus"
	"github.com/loqalabs/loqa-interview/internal/clock"
	"github.com/loqalabs/loqa-interview/internal/config"
	"github.com/loqalabs/loqa-interview/internal/directory"
	"github.com/loqalabs/loqa-interview/internal/evaluator"
	"github.com/loqalabs/loqa-interview/internal/eventstore"
	"github.com/loqalabs/loqa-interview/internal/natsserver"
)

const pruneInterval = time.Hour

// Runtime is the interview daemon: the bus, the peer directory, the answer
// evaluator and the session archive behind one HTTP server.
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer    *http.Server
	metricsServer *http.Server
	nats          *natsserver.EmbeddedServer
	bus           *bus.Client
	store         *eventstore.Store
	directory     *directory.Service
	evaluator     *evaluator.Service
	archive       *archive
	pruner        clock.Timer
	telemetry     telemetry

	ready     atomic.Bool
	readyCh   chan struct{}
	readyOnce sync.Once
	addr      atomic.Value
	wg        sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		logger:  logger,
		readyCh: make(chan struct{}),
	}
}

// Ready is closed once the HTTP server is accepting requests.
func (r *Runtime) Ready() <-chan struct{} { return r.readyCh }

// Addr is the HTTP listen address once ready.
func (r *Runtime) Addr() string {
	if v, ok := r.addr.Load().(string); ok {
		return v
	}
	return ""
}

// BusURL is the address sessions should dial to reach this daemon's bus.
func (r *Runtime) BusURL() string {
	if r.nats != nil {
		return r.nats.ClientURL()
	}
	if len(r.cfg.Bus.Servers) > 0 {
		return r.cfg.Bus.Servers[0]
	}
	return ""
}

// Start runs the daemon until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	defer r.close()

	tel, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel

	if err := r.startServices(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	mux.HandleFunc("GET /sessions/{id}", r.handleSession)
	if r.directory != nil {
		r.directory.Register(mux)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	r.addr.Store(listener.Addr().String())
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, listener, "http")

	if tel.metrics != nil && r.cfg.Telemetry.PrometheusBind != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", tel.metrics)
		metricsListener, err := net.Listen("tcp", r.cfg.Telemetry.PrometheusBind)
		if err != nil {
			r.logger.Warn("metrics listener unavailable", slogError(err))
		} else {
			r.metricsServer = &http.Server{Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}
			r.serve(r.metricsServer, metricsListener, "metrics")
		}
	}

	r.ready.Store(true)
	r.readyOnce.Do(func() { close(r.readyCh) })
	r.logger.Info("runtime started", slog.String("addr", r.Addr()), slog.String("bus", r.BusURL()))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	return nil
}

func (r *Runtime) startServices(ctx context.Context) error {
	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	r.nats = embedded
	busCfg := r.cfg.Bus
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	r.bus, err = bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return err
	}

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.archive, err = startArchive(r.bus, r.store, r.logger)
	if err != nil {
		return err
	}
	r.pruner = clock.New().Every(pruneInterval, r.prune)

	if r.cfg.Directory.Enabled {
		store, err := directory.NewStore(r.cfg.Directory, clock.New(), r.logger)
		if err != nil {
			return fmt.Errorf("directory store: %w", err)
		}
		r.directory = directory.NewService(store, r.logger)
	}

	if r.cfg.Evaluator.Enabled {
		generator, err := evaluator.NewGenerator(r.cfg.Evaluator)
		if err != nil {
			return fmt.Errorf("evaluator: %w", err)
		}
		r.evaluator = evaluator.NewService(ctx, r.cfg.Evaluator, r.bus, generator, r.store, r.logger)
		if err := r.evaluator.Start(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := r.store.Prune(ctx); err != nil {
		r.logger.Warn("event store prune failed", slogError(err))
	}
}

func (r *Runtime) serve(srv *http.Server, listener net.Listener, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error(name+" server failed", slogError(err))
		}
	}()
}

// close tears down in reverse start order. It runs on every exit path of
// Start, including a failed startup.
func (r *Runtime) close() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slogError(err))
		}
	}
	r.wg.Wait()

	if r.evaluator != nil {
		r.evaluator.Close()
	}
	if r.directory != nil {
		if err := r.directory.Close(); err != nil {
			r.logger.Warn("directory close error", slogError(err))
		}
	}
	if r.pruner != nil {
		r.pruner.Stop()
	}
	if r.archive != nil {
		r.archive.close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close error", slogError(err))
		}
	}
	r.nats.Shutdown()

	if r.telemetry.shutdown != nil {
		if err := r.telemetry.shutdown(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}
}

func (r *Runtime) healthy() bool {
	if r.bus == nil || !r.bus.Healthy() {
		return false
	}
	return r.evaluator == nil || r.evaluator.Healthy()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if !r.healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("unhealthy"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
