// Command collector runs one Event Collector process (§4.2): it spawns a
// UDP worker per configured syslog-style server, each with its own socket,
// queue, and KV-store connection, and exits only on signal or fatal
// startup error.
//
// Usage: collector <config.yaml>
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
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sys/unix"

	"github.com/weirqos/weirqos/collector"
	"github.com/weirqos/weirqos/metrics"
	redisstore "github.com/weirqos/weirqos/store/redis"
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if len(os.Args) < 2 {
		logger.Error("collector: missing config path argument")
		return int(syscall.ENOENT)
	}

	cfg, err := collector.LoadProcessConfig(os.Args[1])
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Error("collector: config file not found", "path", os.Args[1], "error", err)
			return int(syscall.ENOENT)
		}
		logger.Error("collector: config parse failed", "path", os.Args[1], "error", err)
		return int(syscall.EINVAL)
	}

	if cfg.LogLevel != "" {
		configureLevel(logger, cfg.LogLevel)
	}

	accessLogger := logger
	if cfg.AccessLogFileName != "" {
		f, err := os.OpenFile(cfg.AccessLogFileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			logger.Warn("collector: could not open access log, using stderr", "path", cfg.AccessLogFileName, "error", err)
		} else {
			defer f.Close()
			accessLogger = slog.New(slog.NewTextHandler(f, nil))
		}
	}

	client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisServer})
	st := redisstore.New(client)

	promReg := metrics.NewCollectorMetrics(nil)

	numWorkers := cfg.NumOfSyslogServers
	if numWorkers <= 0 {
		numWorkers = 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := net.JoinHostPort("", strconv.Itoa(cfg.Port))
	lc := net.ListenConfig{Control: setReusePort}

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		// Every worker binds the *same* configured port with SO_REUSEPORT
		// (§4.2 "Socket": "N worker processes/threads, each owning its own
		// socket bound with port-reuse"); the kernel load-balances inbound
		// datagrams across them, so an edge sending to one advertised port
		// reaches whichever worker the kernel picks, not just worker 0.
		conn, err := lc.ListenPacket(ctx, "udp", addr)
		if err != nil {
			logger.Error("collector: socket failure", "addr", addr, "error", err)
			return -int(socketErrno(err))
		}
		growRecvBuffer(conn, logger)

		opts := []collector.WorkerOption{
			collector.WithLogger(logger),
			collector.WithAccessLogger(accessLogger),
		}
		if cfg.MsgQueueSize > 0 {
			opts = append(opts, collector.WithQueueSize(cfg.MsgQueueSize))
		}
		if cfg.MetricsBatchCount > 0 {
			opts = append(opts, collector.WithFlushCount(cfg.MetricsBatchCount))
		}
		if cfg.MetricsBatchPeriodMsec > 0 {
			opts = append(opts, collector.WithFlushInterval(time.Duration(cfg.MetricsBatchPeriodMsec)*time.Millisecond))
		}
		if cfg.RedisQosTTL > 0 {
			longTTL := time.Duration(cfg.RedisQosConnTTL) * time.Second
			if cfg.RedisQosConnTTL <= 0 {
				longTTL = collector.DefaultLongTTL
			}
			opts = append(opts, collector.WithTTLs(time.Duration(cfg.RedisQosTTL)*time.Second, longTTL))
		}

		worker := collector.NewWorker(conn, st, cfg.Endpoint, opts...)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("collector: worker exited", "error", err)
			}
		}()
		_ = promReg
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port+numWorkers), Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("collector: metrics server exited", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("collector: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	wg.Wait()
	return 0
}

// socketErrno extracts the syscall-level errno from a socket setup
// failure, for the negative-errno exit code convention of §6.
func socketErrno(err error) syscall.Errno {
	var errno syscall.Errno
	errors.As(err, &errno)
	return errno
}

// setReusePort is the net.ListenConfig.Control callback that sets
// SO_REUSEPORT on every worker's UDP socket before bind, so all of them
// can share cfg.Port and let the kernel fan datagrams out across workers
// (§4.2 "Socket").
func setReusePort(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// growRecvBuffer doubles the socket's receive buffer, matching the
// kernel's own SO_RCVBUF floor behavior, and sizes the userspace
// datagram buffer to match so a single recvfrom is never a truncated
// datagram (§4.2 "Socket", §5 "Resources"). Failures are logged and
// otherwise ignored: an un-grown buffer degrades under load but is not
// fatal to startup.
func growRecvBuffer(conn net.PacketConn, logger *slog.Logger) {
	sc, ok := conn.(interface {
		SyscallConn() (syscall.RawConn, error)
	})
	if !ok {
		return
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		logger.Warn("collector: could not access socket fd to grow SO_RCVBUF", "error", err)
		return
	}

	var sockErr error
	ctlErr := raw.Control(func(fd uintptr) {
		size, err := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF)
		if err != nil {
			sockErr = err
			return
		}
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, size*2)
	})
	if ctlErr != nil {
		logger.Warn("collector: could not grow SO_RCVBUF", "error", ctlErr)
		return
	}
	if sockErr != nil {
		logger.Warn("collector: could not grow SO_RCVBUF", "error", sockErr)
	}
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
