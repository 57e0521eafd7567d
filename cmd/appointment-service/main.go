package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"appointment-service/internal/config"
	"appointment-service/internal/service/admission"
	"appointment-service/internal/store"
	"appointment-service/internal/store/memory"
	"appointment-service/internal/store/postgres"
	"appointment-service/internal/store/sqlite"
	"appointment-service/internal/telemetry"
	grpcTransport "appointment-service/internal/transport/grpc"
	httpTransport "appointment-service/internal/transport/http"
)

const serviceName = "appointment-service"

func main() {
	log := newLogger(os.Stdout, "info")
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		log.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	log = newLogger(os.Stdout, cfg.LogLevel)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("service stopped with error", slog.Any("err", err))
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	log.Info("starting",
		slog.String("http_addr", cfg.HTTPAddr),
		slog.String("grpc_addr", cfg.GRPCAddr),
		slog.String("store_driver", cfg.StoreDriver),
		slog.String("log_level", cfg.LogLevel),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:      cfg.OTelEnabled,
		ServiceName:  serviceName,
		OTLPEndpoint: cfg.OTelEndpoint,
		Insecure:     cfg.OTelInsecure,
		SampleRatio:  cfg.OTelSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			log.Warn("telemetry shutdown failed", slog.Any("err", err))
		}
	}()

	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	eng := admission.NewEngine(st,
		admission.WithLogger(log),
		admission.WithMaxAttempts(cfg.MaxAttempts),
		admission.WithRejectPastStart(cfg.RejectPastStart),
	)

	routerOpts := httpTransport.RouterOptions{
		Logger:            log,
		DefaultDuration:   cfg.DefaultDuration,
		Location:          cfg.Location,
		MaxBodyBytes:      cfg.MaxBodyBytes,
		AllowedOrigins:    cfg.CORSAllowedOrigins,
		RateLimitFailOpen: cfg.RateLimitFailOpen,
		ReadyChecks:       []httpTransport.ReadyCheck{{Name: "store", Check: st.Ping}},
	}
	if cfg.RateLimitEnabled {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RateLimitRedisAddr})
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Warn("redis close failed", slog.Any("err", err))
			}
		}()
		rl := httpTransport.NewRedisRateLimiter(rdb, cfg.RateLimitRequests, cfg.RateLimitWindow, "appointments:rl")
		rl.TrustForwardedFor = cfg.RateLimitTrustXFF
		routerOpts.RateLimiter = rl
		log.Info("rate limiting enabled",
			slog.String("redis_addr", cfg.RateLimitRedisAddr),
			slog.Int("requests", cfg.RateLimitRequests),
			slog.Duration("window", cfg.RateLimitWindow),
			slog.Bool("trust_forwarded_for", cfg.RateLimitTrustXFF),
		)
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpTransport.NewRouter(eng, routerOpts),
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcServer, healthServer := grpcTransport.NewServer(grpcTransport.NewAdmissionServer(eng, log), cfg.GRPCRequestTimeout)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("grpc listen on %s: %w", cfg.GRPCAddr, err)
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- grpcServer.Serve(lis)
	}()
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	log.Info("servers started", slog.String("http_addr", cfg.HTTPAddr), slog.String("grpc_addr", cfg.GRPCAddr))

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	healthServer.Shutdown()
	shutdownHTTP(log, httpServer, cfg.ShutdownTimeout)
	shutdownGRPC(log, grpcServer, cfg.ShutdownTimeout)
	return serveErr
}

func openStore(ctx context.Context, cfg config.Config, log *slog.Logger) (store.AppointmentStore, func(), error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		log.Info("connecting to database", databaseLogArgs(cfg.DatabaseURL)...)
		db, err := postgres.Open(ctx, cfg.DatabaseURL, postgres.PoolConfig{
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxLifetime: cfg.DBConnMaxLifetime,
			ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
		})
		if err != nil {
			args := append([]any{slog.Any("err", err)}, databaseLogArgs(cfg.DatabaseURL)...)
			log.Error("database connection failed", args...)
			return nil, nil, err
		}
		closeDB := func() {
			if err := postgres.Close(db); err != nil {
				log.Warn("database close failed", slog.Any("err", err))
			}
		}
		if err := postgres.Migrate(ctx, db); err != nil {
			closeDB()
			return nil, nil, fmt.Errorf("migrate database: %w", err)
		}
		return postgres.NewAppointmentRepo(db), closeDB, nil

	case config.StoreSQLite:
		log.Info("opening sqlite store", slog.String("path", cfg.SQLitePath))
		s, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				log.Warn("sqlite close failed", slog.Any("err", err))
			}
		}, nil

	default:
		log.Warn("using in-memory store; appointments are lost on restart")
		return memory.New(), func() {}, nil
	}
}

func shutdownHTTP(log *slog.Logger, s *http.Server, timeout time.Duration) {
	log.Info("shutting down http server", slog.Duration("timeout", timeout))

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		log.Warn("http graceful shutdown failed; closing", slog.Any("err", err))
		_ = s.Close()
		return
	}
	log.Info("http server stopped")
}

func shutdownGRPC(log *slog.Logger, s *grpc.Server, timeout time.Duration) {
	log.Info("shutting down grpc server", slog.Duration("timeout", timeout))

	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		log.Info("grpc server stopped")
	case <-timer.C:
		log.Warn("grpc graceful shutdown timed out; forcing stop")
		s.Stop()
	}
}

func newLogger(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLogLevel(level)})).With(
		slog.String("service", serviceName),
	)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func databaseLogArgs(databaseURL string) []any {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return []any{slog.String("db_url", "invalid")}
	}
	name := strings.TrimPrefix(u.Path, "/")
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "default"
	}
	if host == "" {
		host = "unknown"
	}
	if name == "" {
		name = "unknown"
	}
	return []any{
		slog.String("db_host", host),
		slog.String("db_port", port),
		slog.String("db_name", name),
	}
}
