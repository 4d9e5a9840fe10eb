// Package ginmw embeds the Edge Enforcer (§4.1) into a Gin-based proxy: it
// runs the admit check on arrival, shapes the request and response bodies
// at byte granularity, and releases the stream's active-request state on
// exit regardless of how the handler chain finishes.
//
// Separated from the other framework adapters so that importing it does
// not pull in github.com/gin-gonic/gin.
//
// Usage:
//
//	r := gin.Default()
//	r.Use(ginmw.QoS(ginmw.Config{
//		Table: table, Violations: violations, Shaper: shaper,
//		Sink: sink, InstanceID: instanceID,
//	}))
package ginmw

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/weirqos/weirqos/channel"
	"github.com/weirqos/weirqos/enforcer"
	"github.com/weirqos/weirqos/metrics"
	"github.com/weirqos/weirqos/userkey"
)

// KeyFunc extracts the user key from a Gin context. Defaults to
// userkey.ExtractValidated(c.Request).
type KeyFunc func(c *gin.Context) string

// VerbFunc extracts the rate-limit verb from a Gin context. Defaults to
// c.Request.Method.
type VerbFunc func(c *gin.Context) string

// OpClassFunc classifies the request's protocol-specific operation.
// Defaults to userkey.Classify(c.Request).
type OpClassFunc func(c *gin.Context) userkey.OpClass

// DeniedHandler is called when the admit check rejects a request.
type DeniedHandler func(c *gin.Context, reason enforcer.RejectReason)

// Config holds the edge enforcer middleware configuration. Table,
// Violations, Shaper, and Sink are shared across every request and are
// typically constructed once per process.
type Config struct {
	Table      *enforcer.LimitTable
	Violations *enforcer.Violations
	Shaper     *enforcer.Shaper
	Sink       enforcer.EventSink
	InstanceID string
	Logger     *slog.Logger

	// Metrics is optional; when set, every admit decision and shaped
	// chunk is recorded against it.
	Metrics *metrics.EdgeMetrics

	KeyFunc       KeyFunc
	VerbFunc      VerbFunc
	OpClassFunc   OpClassFunc
	DeniedHandler DeniedHandler

	// ExcludePaths are request paths that bypass the enforcer entirely.
	ExcludePaths map[string]bool

	// PolicyChannelAddr, if set, dials the Policy Generator's Policy
	// Channel (§4.4) once at middleware construction and applies every
	// decoded message to Table/Violations for the lifetime of
	// PolicyChannelContext (default context.Background()).
	PolicyChannelAddr    string
	PolicyChannelContext context.Context
	PolicyChannelOpts    []channel.ClientOption
}

// QoS creates Gin middleware with default extractors.
func QoS(cfg Config) gin.HandlerFunc {
	return QoSWithConfig(cfg)
}

// QoSWithConfig creates Gin middleware with full configuration control.
func QoSWithConfig(cfg Config) gin.HandlerFunc {
	if cfg.Table == nil || cfg.Violations == nil || cfg.Shaper == nil {
		panic("ginmw: Table, Violations, and Shaper are required")
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = func(c *gin.Context) string { return userkey.ExtractValidated(c.Request) }
	}
	if cfg.VerbFunc == nil {
		cfg.VerbFunc = func(c *gin.Context) string { return c.Request.Method }
	}
	if cfg.OpClassFunc == nil {
		cfg.OpClassFunc = func(c *gin.Context) userkey.OpClass { return userkey.Classify(c.Request) }
	}
	if cfg.DeniedHandler == nil {
		cfg.DeniedHandler = defaultDeniedHandler
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PolicyChannelAddr != "" {
		feedCtx := cfg.PolicyChannelContext
		if feedCtx == nil {
			feedCtx = context.Background()
		}
		enforcer.StartPolicyFeed(feedCtx, cfg.PolicyChannelAddr, cfg.Table, cfg.Violations, logger, cfg.PolicyChannelOpts...)
	}

	return func(c *gin.Context) {
		if cfg.ExcludePaths != nil && cfg.ExcludePaths[c.Request.URL.Path] {
			c.Next()
			return
		}

		userKey := cfg.KeyFunc(c)
		verb := cfg.VerbFunc(c)
		opClass := cfg.OpClassFunc(c)
		remoteAddr := c.Request.RemoteAddr

		upFilter := enforcer.NewFilter(cfg.Table, cfg.Violations, cfg.Shaper, cfg.Sink, cfg.InstanceID, logger)
		admitted, reason := upFilter.Enable(remoteAddr, userKey, verb, opClass, enforcer.Up)
		if cfg.Metrics != nil {
			cfg.Metrics.RecordAdmit(enforcer.Up, reason)
		}
		if !admitted {
			cfg.DeniedHandler(c, reason)
			return
		}
		defer upFilter.End()

		dwnFilter := enforcer.NewFilter(cfg.Table, cfg.Violations, cfg.Shaper, cfg.Sink, cfg.InstanceID, logger)
		dwnFilter.Enable(remoteAddr, userKey, verb, opClass, enforcer.Down)
		defer dwnFilter.End()

		if c.Request.Body != nil {
			c.Request.Body = &shapedReader{
				ReadCloser: c.Request.Body,
				filter:     upFilter,
				dir:        enforcer.Up,
				metrics:    cfg.Metrics,
			}
		}
		c.Writer = &shapedWriter{
			ResponseWriter: c.Writer,
			filter:         dwnFilter,
			dir:            enforcer.Down,
			metrics:        cfg.Metrics,
		}

		c.Next()
	}
}

func defaultDeniedHandler(c *gin.Context, reason enforcer.RejectReason) {
	c.Header("Retry-After", "1")
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":  "qos limit exceeded",
		"reason": string(reason),
	})
}

// shapedReader throttles an inbound request body at byte granularity
// (§4.1 step 5), one ShapeChunk decision per Read call.
type shapedReader struct {
	io.ReadCloser
	filter  *enforcer.Filter
	dir     enforcer.Direction
	metrics *metrics.EdgeMetrics
}

func (r *shapedReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		res := r.filter.ShapeChunk(int64(len(p)))
		if res.Wait > 0 {
			time.Sleep(res.Wait)
		}
		if res.AllowBytes <= 0 {
			continue
		}
		n, err := r.ReadCloser.Read(p[:res.AllowBytes])
		if r.metrics != nil {
			r.metrics.RecordShape(r.dir, int64(len(p)), res)
		}
		return n, err
	}
}

// shapedWriter throttles an outbound response body at byte granularity,
// embedding gin.ResponseWriter so every other method (headers, status,
// flush, hijack) is forwarded unchanged.
type shapedWriter struct {
	gin.ResponseWriter
	filter  *enforcer.Filter
	dir     enforcer.Direction
	metrics *metrics.EdgeMetrics
}

func (w *shapedWriter) Write(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		chunk := p[total:]
		res := w.filter.ShapeChunk(int64(len(chunk)))
		if res.Wait > 0 {
			time.Sleep(res.Wait)
		}
		if res.AllowBytes <= 0 {
			continue
		}
		n, err := w.ResponseWriter.Write(chunk[:res.AllowBytes])
		total += n
		if w.metrics != nil {
			w.metrics.RecordShape(w.dir, int64(len(chunk)), res)
		}
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (w *shapedWriter) WriteString(s string) (int, error) {
	return w.Write([]byte(s))
}

// ─── Built-in Key Extractors ─────────────────────────────────────────────────

// KeyByClientIP falls back to Gin's ClientIP() instead of extracting a
// user key, for proxies running in front of services with no concept of
// an authenticated principal.
func KeyByClientIP(c *gin.Context) string {
	return c.ClientIP()
}
