package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/havencarlson/CS/internal/api"
	"github.com/havencarlson/CS/internal/checksum"
	"github.com/havencarlson/CS/internal/compute"
	"github.com/havencarlson/CS/internal/config"
	"github.com/havencarlson/CS/internal/db"
	"github.com/havencarlson/CS/internal/events"
	"github.com/havencarlson/CS/internal/fsutil"
	"github.com/havencarlson/CS/internal/memmap"
	"github.com/havencarlson/CS/internal/monitoring"
	"github.com/havencarlson/CS/internal/serialmux"
	"github.com/havencarlson/CS/internal/taskhost"
	"github.com/havencarlson/CS/internal/timeutil"
	"github.com/havencarlson/CS/internal/version"
)

const (
	pruneEvery     = time.Hour
	shutdownPeriod = time.Second
)

// app owns every long-lived component of the checksum daemon.
type app struct {
	cfg    *config.Config
	clock  timeutil.Clock
	store  *db.DB
	link   serialmux.SerialMuxInterface
	image  *compute.Image
	host   *taskhost.Host
	engine *checksum.Engine
	health *health.Server
}

// newApp builds the engine from the configuration and restores preserved
// enable states from store.
func newApp(ctx context.Context, cfg *config.Config, store *db.DB, link serialmux.SerialMuxInterface, clock timeutil.Clock) (*app, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	regions, err := cfg.Regions()
	if err != nil {
		return nil, err
	}
	mm, err := memmap.New(regions)
	if err != nil {
		return nil, fmt.Errorf("memory map: %w", err)
	}
	data, err := compute.LoadRegionData(fsutil.OSFileSystem{}, cfg.GetImageDir(), regions)
	if err != nil {
		return nil, fmt.Errorf("memory image: %w", err)
	}
	img, err := compute.FromRegions(regions, data)
	if err != nil {
		return nil, fmt.Errorf("memory image: %w", err)
	}
	tables, err := cfg.Tables()
	if err != nil {
		return nil, err
	}

	host := taskhost.New(ctx, 1)
	engine := checksum.NewEngine(checksum.NewState(tables), checksum.Deps{
		Host:     host,
		Ranges:   mm,
		Computer: &compute.Runner{Mem: img, Clock: clock, Delay: cfg.GetWorkerDelay()},
		Workers:  compute.Workers(&compute.Sweep{Mem: img}),
		Sink:     events.Fanout{events.LogSink{}, store, events.LineSink{Out: link}},
		Clock:    clock,
		Store:    store,
	}, cfg.EngineConfig(version.Version))

	if err := engine.Restore(ctx); err != nil {
		host.Close()
		return nil, fmt.Errorf("restore: %w", err)
	}
	return &app{
		cfg:    cfg,
		clock:  clock,
		store:  store,
		link:   link,
		image:  img,
		host:   host,
		engine: engine,
		health: health.NewServer(),
	}, nil
}

// handler returns the HTTP surface: the API plus the debug routes of the
// database and the serial link.
func (a *app) handler() (http.Handler, error) {
	mux := api.NewServer(a.engine, a.store, a.image).ServeMux()
	if err := a.store.AttachAdminRoutes(mux); err != nil {
		return nil, err
	}
	a.link.AttachAdminRoutes(mux)
	return api.LoggingMiddleware(mux), nil
}

// recordHousekeeping samples the engine into the housekeeping history and
// drops rows older than the retention window.
func (a *app) recordHousekeeping(ctx context.Context, lastPrune *time.Time) {
	now := a.clock.Now()
	if err := a.store.RecordHousekeeping(ctx, db.HousekeepingFromSnapshot(now, a.engine.Snapshot())); err != nil {
		monitoring.Logf("failed to record housekeeping: %v", err)
	}
	if now.Sub(*lastPrune) < pruneEvery {
		return
	}
	*lastPrune = now
	n, err := a.store.PruneBefore(ctx, now.Add(-a.cfg.GetRetainFor()))
	if err != nil {
		monitoring.Logf("failed to prune history: %v", err)
		return
	}
	if n > 0 {
		monitoring.Logf("pruned %d history rows", n)
	}
}

func (a *app) housekeepingLoop(ctx context.Context) {
	ticker := a.clock.NewTicker(a.cfg.GetHousekeepingInterval())
	defer ticker.Stop()
	lastPrune := time.Time{}
	for {
		select {
		case <-ticker.C():
			a.recordHousekeeping(ctx, &lastPrune)
		case <-ctx.Done():
			return
		}
	}
}

// updateHealth mirrors the engine loop liveness into the gRPC health
// service. The loop is unhealthy once it misses three ticks.
func (a *app) updateHealth() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if a.engine.Healthy(3 * a.cfg.GetTickInterval()) {
		status = healthpb.HealthCheckResponse_SERVING
	}
	a.health.SetServingStatus("", status)
	a.health.SetServingStatus(healthService, status)
}

const healthService = "cs.Checksum"

func (a *app) healthLoop(ctx context.Context) {
	ticker := a.clock.NewTicker(a.cfg.GetTickInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C():
			a.updateHealth()
		case <-ctx.Done():
			a.health.Shutdown()
			return
		}
	}
}

// run starts every routine and blocks until ctx is cancelled and they have
// all stopped.
func (a *app) run(ctx context.Context, httpAddr, grpcAddr string) error {
	h, err := a.handler()
	if err != nil {
		return err
	}
	server := &http.Server{Addr: httpAddr, Handler: h}

	var grpcServer *grpc.Server
	var grpcListener net.Listener
	if grpcAddr != "" {
		grpcListener, err = net.Listen("tcp", grpcAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", grpcAddr, err)
		}
		grpcServer = grpc.NewServer()
		healthpb.RegisterHealthServer(grpcServer, a.health)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.engine.Run(ctx, a.cfg.GetTickInterval()); err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Logf("engine loop failed: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.link.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Logf("failed to monitor serial link: %v", err)
		}
		monitoring.Logf("monitor routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := serialmux.Serve(ctx, a.link, a.engine); err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Logf("command uplink stopped: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.housekeepingLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.healthLoop(ctx)
	}()

	if grpcServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := grpcServer.Serve(grpcListener); err != nil {
				monitoring.Logf("gRPC health server stopped: %v", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				monitoring.Logf("HTTP server failed: %v", err)
			}
		}()

		<-ctx.Done()
		monitoring.Logf("shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownPeriod)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			monitoring.Logf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				monitoring.Logf("HTTP server force close error: %v", err)
			}
		}
		if grpcServer != nil {
			grpcServer.GracefulStop()
		}
		monitoring.Logf("HTTP server routine stopped")
	}()

	wg.Wait()
	return a.close()
}

func (a *app) close() error {
	if err := a.host.Close(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
