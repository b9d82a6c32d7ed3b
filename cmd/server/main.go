// Command chatsync-server runs the chat source of record behind gRPC.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/chatsync/internal/acl"
	"github.com/and161185/chatsync/internal/config"
	"github.com/and161185/chatsync/internal/metrics"
	"github.com/and161185/chatsync/internal/migrate"
	"github.com/and161185/chatsync/internal/repository"
	"github.com/and161185/chatsync/internal/repository/memory"
	"github.com/and161185/chatsync/internal/repository/postgres"
	"github.com/and161185/chatsync/internal/rpc"
	grpcserver "github.com/and161185/chatsync/internal/server/grpc"
	"github.com/and161185/chatsync/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main loads configuration, opens storage and serves until SIGINT or SIGTERM.
func main() {
	_ = godotenv.Load(".env")
	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}

	logger := newLogger(cfg.Dev)
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.Addr),
		zap.String("backend", cfg.Backend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStorage(ctx, cfg)
	if err != nil {
		logger.Fatal("open storage", zap.Error(err))
	}
	defer store.close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	sor := service.NewSoR(store.events, buildPolicy(cfg, store.members),
		service.WithLogger(logger.Named("sor")),
		service.WithMetrics(metrics.NewSoR(reg)),
		service.WithHub(service.NewHub(cfg.HubBuffer)),
	)

	opts := grpcserver.Interceptors(logger, []byte(cfg.JWTKey))
	if cfg.Insecure {
		logger.Warn("serving without TLS")
	} else {
		creds, err := credentials.NewServerTLSFromFile(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			logger.Fatal("failed to load TLS cert/key", zap.Error(err))
		}
		opts = append(opts, grpc.Creds(creds))
	}
	s := grpc.NewServer(opts...)
	grpcserver.New(sor, logger).Register(s)

	hs := health.NewServer()
	hs.SetServingStatus(rpc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	if cfg.Dev {
		reflection.Register(s)
	}

	lis, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Addr), zap.Bool("tls", !cfg.Insecure))
		errCh <- s.Serve(lis)
	}()

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		hs.Shutdown()
		done := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(cfg.ShutdownTimeout):
			// live Subscribe streams never finish on their own
			s.Stop()
		}
		if metricsSrv != nil {
			sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			_ = metricsSrv.Shutdown(sctx)
			cancel()
		}
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		store.close()
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

func newLogger(dev bool) *zap.Logger {
	var (
		l   *zap.Logger
		err error
	)
	if dev {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return l
}

type storage struct {
	events  repository.EventRepository
	members repository.MembershipRepository
	close   func()
}

func openStorage(ctx context.Context, cfg config.Server) (storage, error) {
	if cfg.Backend == config.BackendMemory {
		return storage{
			events:  memory.NewEventRepo(),
			members: memory.NewMembershipRepo(),
			close:   func() {},
		}, nil
	}
	if cfg.Migrate {
		if err := migrate.Up(ctx, cfg.DSN); err != nil {
			return storage{}, fmt.Errorf("migrate up: %w", err)
		}
	}
	db, err := postgres.New(ctx, cfg.DSN, cfg.MaxConns)
	if err != nil {
		return storage{}, err
	}
	return storage{
		events:  postgres.NewEventRepo(db),
		members: postgres.NewMembershipRepo(db),
		close:   db.Close,
	}, nil
}

// buildPolicy chains deny list, text guard and either membership or allow-all.
func buildPolicy(cfg config.Server, members repository.MembershipRepository) acl.Policy {
	var inner acl.Policy = acl.AllowAll{}
	if cfg.Membership {
		inner = acl.NewMembership(members)
	}
	return acl.AllOf{
		acl.NewDenyList(cfg.DenyUsers, cfg.DenyChats),
		acl.TextGuard{Inner: inner, MaxLen: cfg.MaxText},
	}
}
