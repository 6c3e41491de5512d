package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"fulfillment/cmd/server/config"
	grpcadapter "fulfillment/internal/adapters/grpc"
	"fulfillment/internal/adapters/httpapi"
	"fulfillment/internal/events"
	"fulfillment/internal/fulfillment"
	"fulfillment/internal/idempotency"
	"fulfillment/internal/observability"
	"fulfillment/internal/orders"
	"fulfillment/internal/orders/saga"
	"fulfillment/internal/realtime"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Fatalf("load .env: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func run(ctx context.Context) error {
	logf := logFunc(log.Printf)
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	rel, err := orders.LoadReliabilityConfig()
	if err != nil {
		return err
	}

	backends, sinks, cleanup, err := buildBackends(ctx, cfg, logf)
	if err != nil {
		return err
	}
	defer cleanup()

	// Sagas publish onto the in-process bus; the relay forwards each event to
	// the Redis stream and to websocket subscribers.
	hub := realtime.NewHub(logf)
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	bus := events.NewBus(cfg.EventBuffer)
	backends.Events = events.NewWatermillSink(bus)
	relay := events.NewRelay(bus, events.NewFanout(append(sinks, events.NewBroadcastSink(hub))...), logf)
	if err := relay.Start(hubCtx); err != nil {
		return err
	}

	metrics := observability.NewMetrics()
	svc, err := fulfillment.New(fulfillment.Options{
		Backends:    backends,
		Reliability: rel,
		Idempotency: idempotency.Config{
			ProcessingTTL: cfg.Idempotency.ProcessingTTL,
			CompletedTTL:  cfg.Idempotency.CompletedTTL,
		},
		OrderPrefix: cfg.OrderPrefix,
		StepTimeout: cfg.Saga.StepTimeout,
		Sweeper: saga.SweeperConfig{
			SweepInterval: cfg.Saga.SweepInterval,
			PurgeInterval: cfg.Saga.PurgeInterval,
			Retention:     cfg.Saga.Retention,
			BatchSize:     cfg.Saga.SweepBatch,
			Logf:          logf,
		},
		Metrics: metrics,
		Logf:    logf,
	})
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}

	var ready atomic.Bool
	ready.Store(true)

	limiter := orders.NewRateLimiter(cfg.GRPC.RateLimitInterval, cfg.GRPC.RateLimitBurst)
	limiter.OnWait = metrics.AddRateLimitWait
	grpcServer := grpcpkg.NewServer(
		grpcpkg.ChainUnaryInterceptor(
			unaryInterceptor(limiter, metrics, logf),
			grpcadapter.CallerInterceptor(),
		),
		grpcpkg.StreamInterceptor(streamInterceptor(limiter, metrics, logf)),
	)
	grpcadapter.RegisterOrderServiceServer(grpcServer, grpcadapter.NewOrderServer(svc))

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(grpcadapter.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	if cfg.GRPC.Reflection {
		reflection.Register(grpcServer)
		logf("gRPC reflection enabled")
	}

	gin.SetMode(gin.ReleaseMode)
	httpServer := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: httpapi.NewRouter(svc, httpapi.RouterOptions{
			Metrics: metrics,
			Events:  hub,
			Ready:   ready.Load,
			Logf:    logf,
		}),
	}
	var obsServer *http.Server
	if cfg.Observability.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.Handler(metrics))
		mux.Handle("/readyz", observability.ReadyHandler(ready.Load))
		obsServer = &http.Server{Addr: cfg.Observability.Addr, Handler: mux}
	}

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logf("gRPC listening on %s", cfg.GRPC.Addr)
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		logf("HTTP listening on %s", cfg.HTTP.Addr)
		return ignoreClosed(httpServer.ListenAndServe())
	})
	if obsServer != nil {
		g.Go(func() error {
			return ignoreClosed(obsServer.ListenAndServe())
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		ready.Store(false)
		healthServer.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		metrics.MarkShutdown(metrics.InFlight())
		grpcServer.GracefulStop()
		errs := []error{httpServer.Shutdown(shutdownCtx)}
		if obsServer != nil {
			errs = append(errs, obsServer.Shutdown(shutdownCtx))
		}
		errs = append(errs, svc.Shutdown(shutdownCtx))
		// Closing the bus ends the relay subscriptions once queued events drain.
		errs = append(errs, bus.Close(), relay.Wait())
		logf("shutdown complete")
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, grpcpkg.ErrServerStopped) {
		return err
	}
	return nil
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
