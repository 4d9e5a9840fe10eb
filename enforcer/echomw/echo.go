// Package echomw embeds the Edge Enforcer (§4.1) into an Echo-based proxy:
// it runs the admit check on arrival, shapes the request and response
// bodies at byte granularity, and releases the stream's active-request
// state on exit regardless of how the handler chain finishes.
//
// Separated from the other framework adapters so that importing it does
// not pull in github.com/labstack/echo.
//
// Usage:
//
//	e := echo.New()
//	e.Use(echomw.QoS(echomw.Config{
//		Table: table, Violations: violations, Shaper: shaper,
//		Sink: sink, InstanceID: instanceID,
//	}))
package echomw

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/weirqos/weirqos/channel"
	"github.com/weirqos/weirqos/enforcer"
	"github.com/weirqos/weirqos/metrics"
	"github.com/weirqos/weirqos/userkey"
)

// KeyFunc extracts the user key from an Echo context. Defaults to
// userkey.ExtractValidated(c.Request()).
type KeyFunc func(c echo.Context) string

// VerbFunc extracts the rate-limit verb from an Echo context. Defaults to
// c.Request().Method.
type VerbFunc func(c echo.Context) string

// OpClassFunc classifies the request's protocol-specific operation.
// Defaults to userkey.Classify(c.Request()).
type OpClassFunc func(c echo.Context) userkey.OpClass

// DeniedHandler is called when the admit check rejects a request.
type DeniedHandler func(c echo.Context, reason enforcer.RejectReason) error

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

// QoS creates Echo middleware with default extractors.
func QoS(cfg Config) echo.MiddlewareFunc {
	return QoSWithConfig(cfg)
}

// QoSWithConfig creates Echo middleware with full configuration control.
func QoSWithConfig(cfg Config) echo.MiddlewareFunc {
	if cfg.Table == nil || cfg.Violations == nil || cfg.Shaper == nil {
		panic("echomw: Table, Violations, and Shaper are required")
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = func(c echo.Context) string { return userkey.ExtractValidated(c.Request()) }
	}
	if cfg.VerbFunc == nil {
		cfg.VerbFunc = func(c echo.Context) string { return c.Request().Method }
	}
	if cfg.OpClassFunc == nil {
		cfg.OpClassFunc = func(c echo.Context) userkey.OpClass { return userkey.Classify(c.Request()) }
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

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.ExcludePaths != nil && cfg.ExcludePaths[c.Request().URL.Path] {
				return next(c)
			}

			userKey := cfg.KeyFunc(c)
			verb := cfg.VerbFunc(c)
			opClass := cfg.OpClassFunc(c)
			remoteAddr := c.Request().RemoteAddr

			upFilter := enforcer.NewFilter(cfg.Table, cfg.Violations, cfg.Shaper, cfg.Sink, cfg.InstanceID, logger)
			admitted, reason := upFilter.Enable(remoteAddr, userKey, verb, opClass, enforcer.Up)
			if cfg.Metrics != nil {
				cfg.Metrics.RecordAdmit(enforcer.Up, reason)
			}
			if !admitted {
				return cfg.DeniedHandler(c, reason)
			}
			defer upFilter.End()

			dwnFilter := enforcer.NewFilter(cfg.Table, cfg.Violations, cfg.Shaper, cfg.Sink, cfg.InstanceID, logger)
			dwnFilter.Enable(remoteAddr, userKey, verb, opClass, enforcer.Down)
			defer dwnFilter.End()

			if body := c.Request().Body; body != nil {
				c.Request().Body = &shapedReader{
					ReadCloser: body,
					filter:     upFilter,
					dir:        enforcer.Up,
					metrics:    cfg.Metrics,
				}
			}
			c.Response().Writer = &shapedWriter{
				ResponseWriter: c.Response().Writer,
				filter:         dwnFilter,
				dir:            enforcer.Down,
				metrics:        cfg.Metrics,
			}

			return next(c)
		}
	}
}

func defaultDeniedHandler(c echo.Context, reason enforcer.RejectReason) error {
	c.Response().Header().Set("Retry-After", "1")
	return c.JSON(http.StatusTooManyRequests, map[string]string{
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
// embedding http.ResponseWriter so every other method is forwarded
// unchanged.
type shapedWriter struct {
	http.ResponseWriter
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

// ─── Built-in Key Extractors ─────────────────────────────────────────────────

// KeyByRealIP falls back to Echo's RealIP() instead of extracting a user
// key, for proxies running in front of services with no concept of an
// authenticated principal.
func KeyByRealIP(c echo.Context) string {
	return c.RealIP()
}
