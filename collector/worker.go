package collector

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/weirqos/weirqos/store"
)

// Defaults per §4.2/§6.
const (
	DefaultFlushCount    = 250_000
	DefaultFlushInterval = 31 * time.Millisecond
	DefaultQueueSize     = 65536
	DefaultShortTTL      = 5 * time.Second
	DefaultLongTTL       = 60 * time.Second

	// recvBufSize is the userspace datagram buffer, sized to match a
	// doubled kernel receive buffer so one recvfrom is one datagram
	// (§4.2 "Socket", §5 "Resources"). The socket-level SO_RCVBUF/
	// SO_REUSEPORT options are set by the listener's owner before the
	// conn is handed to a Worker (see cmd/collector/main.go's
	// setReusePort/growRecvBuffer); this module owns only the userspace
	// side of that contract.
	recvBufSize = 1 << 16

	// consumerPoll approximates the spec's "wait_dequeue with a ≈100 µs
	// timeout" (§5) using a channel select with a short ticker, since Go's
	// channels have no native bounded-wait-with-timeout dequeue.
	consumerPoll = 100 * time.Microsecond
)

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) { w.logger = l }
}

// WithAccessLogger routes access-log ('{'-prefixed) lines to a distinct
// logger/sink rather than the general logger (§4.2).
func WithAccessLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) { w.accessLogger = l }
}

// WithFlushCount overrides the count-triggered flush threshold.
func WithFlushCount(n int) WorkerOption {
	return func(w *Worker) { w.flushCount = n }
}

// WithFlushInterval overrides the time-triggered flush cadence.
func WithFlushInterval(d time.Duration) WorkerOption {
	return func(w *Worker) { w.flushInterval = d }
}

// WithQueueSize overrides the bounded FIFO's capacity.
func WithQueueSize(n int) WorkerOption {
	return func(w *Worker) { w.queueSize = n }
}

// WithTTLs overrides the short (command-map) and long (active-req) TTLs.
func WithTTLs(short, long time.Duration) WorkerOption {
	return func(w *Worker) { w.shortTTL = short; w.longTTL = long }
}

// Worker owns one UDP socket, its own bounded FIFO, its own consumer
// goroutine, and its own KV-store connection (§4.2 "Worker model" — no
// sharing of KV connections between workers).
type Worker struct {
	endpoint string
	conn     net.PacketConn
	store    store.Store
	logger   *slog.Logger

	accessLogger  *slog.Logger
	flushCount    int
	flushInterval time.Duration
	queueSize     int
	shortTTL      time.Duration
	longTTL       time.Duration

	queue chan string

	dropped    atomic.Int64
	malformed  atomic.Int64
	flushFails atomic.Int64
}

// NewWorker returns a Worker reading from conn and flushing aggregates to
// st. endpoint is the deployment-wide service identifier (GLOSSARY
// "Endpoint") shared by every worker in this collector process — it
// partitions KV keys from other services sharing the same store, not from
// this worker's siblings, whose HIncrBy calls are meant to combine.
func NewWorker(conn net.PacketConn, st store.Store, endpoint string, opts ...WorkerOption) *Worker {
	w := &Worker{
		endpoint:      endpoint,
		conn:          conn,
		store:         st,
		logger:        slog.Default(),
		flushCount:    DefaultFlushCount,
		flushInterval: DefaultFlushInterval,
		queueSize:     DefaultQueueSize,
		shortTTL:      DefaultShortTTL,
		longTTL:       DefaultLongTTL,
	}
	for _, o := range opts {
		o(w)
	}
	w.queue = make(chan string, w.queueSize)
	return w
}

// Run drives the producer and consumer goroutines until ctx is cancelled,
// then joins both before returning (§5: "the consumer joins explicitly
// before member destruction to avoid use-after-free on shared state").
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		w.producerLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		w.consumerLoop(ctx)
	}()

	wg.Wait()
	return ctx.Err()
}

// producerLoop implements §4.2's producer thread: recvfrom in a loop,
// strip trailing newlines, classify, enqueue or log-forward.
func (w *Worker) producerLoop(ctx context.Context) {
	buf := make([]byte, recvBufSize)
	for {
		if ctx.Err() != nil {
			return
		}
		n, addr, err := w.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("collector: recvfrom failed", "error", err)
			continue
		}
		if n >= recvBufSize {
			// Oversized datagram (§4.2/§7 "Oversized datagrams (= buffer
			// size) are dropped with a log").
			w.dropped.Add(1)
			w.logger.Warn("collector: oversized datagram dropped", "src", addr.String())
			continue
		}

		line := strings.TrimRight(string(buf[:n]), "\r\n")
		switch Classify(line) {
		case KindReq, KindReqEnd, KindDataXfer, KindActiveReqs:
			select {
			case w.queue <- line:
			default:
				w.dropped.Add(1)
				w.logger.Warn("collector: queue full, dropping event", "src", addr.String())
			}
		case KindAccessLog:
			if w.accessLogger != nil {
				w.accessLogger.Info(line)
			}
		default:
			w.logger.Info(line)
		}
	}
}

// consumerLoop implements §4.2's consumer thread: dequeue with a short
// poll, parse by prefix, update the in-memory aggregates, and flush on
// either threshold.
func (w *Worker) consumerLoop(ctx context.Context) {
	cmdMap := NewQosRedisCommandMap()
	activeMap := NewActiveReqMap()
	lastFlush := time.Now()
	ticker := time.NewTicker(consumerPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.flush(context.Background(), cmdMap, activeMap)
			return
		case line := <-w.queue:
			w.ingest(line, cmdMap, activeMap)
		case <-ticker.C:
		}

		due := cmdMap.Len()+activeMap.Len() >= w.flushCount || time.Since(lastFlush) >= w.flushInterval
		if due && (cmdMap.Len() > 0 || activeMap.Len() > 0) {
			w.flush(ctx, cmdMap, activeMap)
			lastFlush = time.Now()
		}
	}
}

func (w *Worker) ingest(line string, cmdMap *QosRedisCommandMap, activeMap *ActiveReqMap) {
	now := time.Now().Unix()
	ev, err := ParseEvent(line, now)
	if err != nil {
		w.malformed.Add(1)
		w.logger.Warn("collector: malformed event", "error", err)
		return
	}

	switch ev.Kind {
	case KindReq, KindReqEnd, KindDataXfer:
		if _, ok := direction(ev.Direction); !ok {
			w.malformed.Add(1)
			w.logger.Warn("collector: unknown direction", "dir", ev.Direction)
			return
		}
		cmdMap.Add(ev.UserKey, ev.ArrivalUnixSec, category(ev))
	case KindActiveReqs:
		if _, ok := direction(ev.Direction); !ok {
			w.malformed.Add(1)
			w.logger.Warn("collector: unknown direction", "dir", ev.Direction)
			return
		}
		activeMap.Set(ConnKey(ev.Direction, ev.InstanceID, ev.UserKey, w.endpoint), ev.ActiveRequests)
	}
}

// flush writes both aggregates to the KV store (§4.2 "Flush to KV
// store"). On a store error for a given bucket, it logs and continues —
// the next tick or reconnect handles recovery (§7 "KV errors surface via
// an async reply callback... lets the next flush or disconnect handle
// recovery").
func (w *Worker) flush(ctx context.Context, cmdMap *QosRedisCommandMap, activeMap *ActiveReqMap) {
	expired := make(map[string]struct{})
	cmdMap.Each(func(user string, second int64, cat string, count int64) {
		key := RedisKey(second, user, w.endpoint, cat)
		if _, err := w.store.HIncrBy(ctx, key, cat, count); err != nil {
			w.flushFails.Add(1)
			w.logger.Warn("collector: HIncrBy failed", "key", key, "error", err)
			return
		}
		if _, ok := expired[key]; !ok {
			if err := w.store.Expire(ctx, key, w.shortTTL); err != nil {
				w.logger.Warn("collector: Expire failed", "key", key, "error", err)
			}
			expired[key] = struct{}{}
		}
	})
	cmdMap.Reset()

	activeMap.Each(func(connKey string, count int64) {
		if err := w.store.Set(ctx, connKey, strconv.FormatInt(count, 10), w.longTTL); err != nil {
			w.flushFails.Add(1)
			w.logger.Warn("collector: Set failed", "key", connKey, "error", err)
		}
	})
	activeMap.Reset()
}

// Stats returns point-in-time drop/malformed/flush-failure counters, for
// metrics export.
func (w *Worker) Stats() (dropped, malformed, flushFails int64) {
	return w.dropped.Load(), w.malformed.Load(), w.flushFails.Load()
}
