// Command policygen runs one Policy Generator process (§4.3): it ticks at
// a fixed cadence, reads aggregated usage from the shared KV store,
// combines it with the configured tier limits, and broadcasts the result
// to every connected Edge Enforcer over the Policy Channel.
//
// Usage: policygen <config.yaml>
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"github.com/weirqos/weirqos/cache"
	"github.com/weirqos/weirqos/channel"
	"github.com/weirqos/weirqos/metrics"
	"github.com/weirqos/weirqos/policygen"
	"github.com/weirqos/weirqos/policygen/adminsvc"
	"github.com/weirqos/weirqos/ratelimit"
	"github.com/weirqos/weirqos/ratelimit/grpcmw"
	redisstore "github.com/weirqos/weirqos/store/redis"
	"github.com/weirqos/weirqos/userkey"
)

// adminRateLimit and adminRateBurst bound how often one operator
// peer may call the admin gRPC surface (adminsvc), protecting the
// Policy Generator process itself from a runaway or misbehaving
// operator tool; this is unrelated to, and does not share state with,
// the per-user QoS limits the generator computes for edges.
const (
	adminRateLimit = 50
	adminRateBurst = 100
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if len(os.Args) < 2 {
		logger.Error("policygen: missing config path argument")
		return int(syscall.ENOENT)
	}

	cfg, err := policygen.LoadProcessConfig(os.Args[1])
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Error("policygen: config file not found", "path", os.Args[1], "error", err)
			return int(syscall.ENOENT)
		}
		logger.Error("policygen: config parse failed", "path", os.Args[1], "error", err)
		return int(syscall.EINVAL)
	}

	if cfg.LogLevel != "" {
		configureLevel(logger, cfg.LogLevel)
	}
	if cfg.RedisServer == "" {
		logger.Error("policygen: missing required configuration key", "key", "redis_server")
		return int(syscall.EINVAL)
	}

	zone := cfg.Endpoint
	if zone == "" {
		zone = "default"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "/tmp"
	}

	tiersStore, err := policygen.NewConfigStore(userkey.ConfigPath(home, zone), logger)
	if err != nil {
		var missing *policygen.ErrConfigMissing
		if errors.As(err, &missing) {
			logger.Error("policygen: missing required configuration keys", "path", missing.Path, "error", missing.Err)
		}
		return int(syscall.EINVAL)
	}

	client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisServer})
	st := redisstore.New(client)

	promReg := metrics.NewPolicyGenMetrics(nil)

	channelSrv := channel.NewServer(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := channelSrv.Serve(ctx, net.JoinHostPort("", strconv.Itoa(cfg.Port))); err != nil && ctx.Err() == nil {
			logger.Error("policygen: channel server exited", "error", err)
		}
	}()

	go func() {
		if err := tiersStore.WatchReloadFIFO(ctx, userkey.ReloadFIFOPath(zone)); err != nil && ctx.Err() == nil {
			logger.Warn("policygen: reload fifo watcher exited", "error", err)
		}
	}()

	gen := policygen.NewGenerator(st, tiersStore, channelSrv,
		policygen.WithGeneratorLogger(logger),
		policygen.WithGeneratorMetrics(promReg),
	)

	adminLimiter, err := ratelimit.NewBuilder().TokenBucket(adminRateBurst, adminRateLimit).Build()
	if err != nil {
		logger.Error("policygen: admin rate limiter setup failed", "error", err)
		return int(syscall.EINVAL)
	}
	adminCollector := metrics.NewCollector(metrics.WithNamespace("weirqos"), metrics.WithSubsystem("admin"))
	instrumentedAdminLimiter := metrics.Wrap(adminLimiter, metrics.TokenBucket, adminCollector)
	cachedAdminLimiter := cache.New(instrumentedAdminLimiter)

	adminSrv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcmw.UnaryServerInterceptor(cachedAdminLimiter, grpcmw.KeyByPeer)),
	)
	adminsvc.Register(adminSrv, adminsvc.NewServer(tiersStore, st, logger))
	adminLn, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(cfg.Port+1)))
	if err != nil {
		logger.Error("policygen: admin socket failure", "error", err)
		return -int(socketErrno(err))
	}
	go func() {
		if err := adminSrv.Serve(adminLn); err != nil {
			logger.Warn("policygen: admin server exited", "error", err)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port+2), Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("policygen: metrics server exited", "error", err)
		}
	}()

	err = gen.Run(ctx)
	logger.Info("policygen: shutting down")
	adminSrv.GracefulStop()
	_ = channelSrv.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("policygen: generator loop exited", "error", err)
	}
	return 0
}

func socketErrno(err error) syscall.Errno {
	var errno syscall.Errno
	errors.As(err, &errno)
	return errno
}

func configureLevel(logger *slog.Logger, level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetLogLoggerLevel(lvl)
}
