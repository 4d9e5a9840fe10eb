// Package fibermw embeds the Edge Enforcer (§4.1) into a Fiber-based proxy.
// Fiber sits on fasthttp, not net/http: request bodies arrive fully buffered
// rather than as a stream, so the admit check and request-side shaping both
// run against the buffered []byte before the handler is invoked; response
// shaping uses fasthttp's streaming body writer to still forward the reply
// at byte granularity.
//
// Separated from the other framework adapters so that importing it does not
// pull in github.com/gofiber/fiber.
//
// Usage:
//
//	app := fiber.New()
//	app.Use(fibermw.QoS(fibermw.Config{
//		Table: table, Violations: violations, Shaper: shaper,
//		Sink: sink, InstanceID: instanceID,
//	}))
package fibermw

import (
	"bufio"
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/weirqos/weirqos/channel"
	"github.com/weirqos/weirqos/enforcer"
	"github.com/weirqos/weirqos/metrics"
	"github.com/weirqos/weirqos/userkey"
)

// KeyFunc extracts the user key from a Fiber context. Defaults to the same
// Authorization-header/query-parameter contract as userkey.ExtractValidated,
// adapted for fasthttp's header accessors.
type KeyFunc func(c *fiber.Ctx) string

// VerbFunc extracts the rate-limit verb from a Fiber context. Defaults to
// c.Method().
type VerbFunc func(c *fiber.Ctx) string

// OpClassFunc classifies the request's protocol-specific operation.
type OpClassFunc func(c *fiber.Ctx) userkey.OpClass

// DeniedHandler is called when the admit check rejects a request.
type DeniedHandler func(c *fiber.Ctx, reason enforcer.RejectReason) error

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

	// Metrics is optional; when set, every admit decision and shaped chunk
	// is recorded against it.
	Metrics *metrics.EdgeMetrics

	KeyFunc       KeyFunc
	VerbFunc      VerbFunc
	OpClassFunc   OpClassFunc
	DeniedHandler DeniedHandler

	// ExcludePaths are request paths that bypass the enforcer entirely.
	ExcludePaths map[string]bool

	// RequestShapeChunk bounds how many bytes of the already-buffered
	// request body are released to ShapeChunk per iteration. Default 32KiB.
	RequestShapeChunk int

	// PolicyChannelAddr, if set, dials the Policy Generator's Policy
	// Channel (§4.4) once at middleware construction and applies every
	// decoded message to Table/Violations for the lifetime of
	// PolicyChannelContext (default context.Background()).
	PolicyChannelAddr    string
	PolicyChannelContext context.Context
	PolicyChannelOpts    []channel.ClientOption
}

const defaultRequestShapeChunk = 32 * 1024

// QoS creates Fiber middleware with default extractors.
func QoS(cfg Config) fiber.Handler {
	return QoSWithConfig(cfg)
}

// QoSWithConfig creates Fiber middleware with full configuration control.
func QoSWithConfig(cfg Config) fiber.Handler {
	if cfg.Table == nil || cfg.Violations == nil || cfg.Shaper == nil {
		panic("fibermw: Table, Violations, and Shaper are required")
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = defaultKeyFunc
	}
	if cfg.VerbFunc == nil {
		cfg.VerbFunc = func(c *fiber.Ctx) string { return c.Method() }
	}
	if cfg.OpClassFunc == nil {
		cfg.OpClassFunc = defaultOpClassFunc
	}
	if cfg.DeniedHandler == nil {
		cfg.DeniedHandler = defaultDeniedHandler
	}
	if cfg.RequestShapeChunk <= 0 {
		cfg.RequestShapeChunk = defaultRequestShapeChunk
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

	return func(c *fiber.Ctx) error {
		if cfg.ExcludePaths != nil && cfg.ExcludePaths[c.Path()] {
			return c.Next()
		}

		userKey := cfg.KeyFunc(c)
		verb := cfg.VerbFunc(c)
		opClass := cfg.OpClassFunc(c)
		remoteAddr := c.Context().RemoteAddr().String()

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

		if body := c.Body(); len(body) > 0 {
			shapeBuffered(upFilter, cfg.Metrics, enforcer.Up, len(body), cfg.RequestShapeChunk)
		}

		if err := c.Next(); err != nil {
			return err
		}

		respBody := c.Response().Body()
		c.Response().SetBodyStreamWriter(func(w *bufio.Writer) {
			shapeAndWrite(w, respBody, dwnFilter, cfg.Metrics)
		})
		return nil
	}
}

// shapeBuffered walks an already-buffered body length through ShapeChunk in
// fixed-size steps, applying whatever throttling delay the shaper computes,
// without re-reading the bytes (fasthttp has already delivered them whole).
func shapeBuffered(filter *enforcer.Filter, m *metrics.EdgeMetrics, dir enforcer.Direction, total, chunkSize int) {
	remaining := int64(total)
	for remaining > 0 {
		want := int64(chunkSize)
		if want > remaining {
			want = remaining
		}
		res := filter.ShapeChunk(want)
		if res.Wait > 0 {
			time.Sleep(res.Wait)
		}
		if res.AllowBytes <= 0 {
			continue
		}
		if m != nil {
			m.RecordShape(dir, want, res)
		}
		remaining -= res.AllowBytes
	}
}

// shapeAndWrite forwards body to w in ShapeChunk-sized, throttled
// increments, implementing the response-side equivalent of shapedWriter in
// the net/http-based adapters.
func shapeAndWrite(w *bufio.Writer, body []byte, filter *enforcer.Filter, m *metrics.EdgeMetrics) {
	total := 0
	for total < len(body) {
		chunk := body[total:]
		res := filter.ShapeChunk(int64(len(chunk)))
		if res.Wait > 0 {
			time.Sleep(res.Wait)
		}
		if res.AllowBytes <= 0 {
			continue
		}
		n, err := w.Write(chunk[:res.AllowBytes])
		total += n
		if m != nil {
			m.RecordShape(enforcer.Down, int64(len(chunk)), res)
		}
		if err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func defaultDeniedHandler(c *fiber.Ctx, reason enforcer.RejectReason) error {
	c.Set("Retry-After", "1")
	return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
		"error":  "qos limit exceeded",
		"reason": string(reason),
	})
}

// defaultOpClassFunc reimplements userkey.Classify's decision table against
// Fiber's path/query accessors, since fasthttp.Request is not a
// net/http.Request and cannot be passed to it directly.
func defaultOpClassFunc(c *fiber.Ctx) userkey.OpClass {
	path := trimSlashes(c.Path())
	bucketOnly := path != "" && !containsSlash(path)
	root := path == ""

	switch c.Method() {
	case "GET":
		if root {
			return userkey.OpListBuckets
		}
		if bucketOnly && (c.Query("prefix") != "" || c.Query("list-type") != "") {
			return userkey.OpListObjects
		}
		if bucketOnly && len(c.Queries()) == 0 {
			return userkey.OpListObjects
		}
		return userkey.OpNone
	case "POST":
		if _, ok := c.Queries()["delete"]; ok {
			return userkey.OpDeleteObjects
		}
		return userkey.OpNone
	case "DELETE":
		if bucketOnly {
			return userkey.OpDeleteBucket
		}
		return userkey.OpNone
	default:
		return userkey.OpNone
	}
}

func trimSlashes(s string) string {
	for len(s) > 0 && s[0] == '/' {
		s = s[1:]
	}
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

func containsSlash(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return true
		}
	}
	return false
}

// defaultKeyFunc reimplements userkey.ExtractValidated's contract against
// fasthttp's header/query accessors, since fasthttp.Request is not a
// net/http.Request and cannot be passed to it directly.
func defaultKeyFunc(c *fiber.Ctx) string {
	candidate := extractCandidate(c)
	if candidate == "" {
		return userkey.Common
	}
	if !userkey.Validate(candidate) {
		return userkey.Invalid
	}
	return candidate
}

func extractCandidate(c *fiber.Ctx) string {
	if auth := c.Get("Authorization"); auth != "" {
		if key := extractFromAuthHeader(auth); key != "" {
			return key
		}
	}
	if v := c.Query("AWSAccessKeyId"); v != "" {
		return v
	}
	if v := c.Query("access_key"); v != "" {
		return v
	}
	return ""
}

func extractFromAuthHeader(auth string) string {
	const awsPrefix = "AWS "
	const sigv4Prefix = "AWS4-HMAC-SHA256 "
	const credMarker = "Credential="

	var rest string
	switch {
	case len(auth) > len(awsPrefix) && auth[:len(awsPrefix)] == awsPrefix:
		rest = auth[len(awsPrefix):]
	case len(auth) > len(sigv4Prefix) && auth[:len(sigv4Prefix)] == sigv4Prefix:
		body := auth[len(sigv4Prefix):]
		idx := indexOf(body, credMarker)
		if idx < 0 {
			return ""
		}
		rest = body[idx+len(credMarker):]
	default:
		return ""
	}
	end := indexAny(rest, ":/")
	if end < 0 {
		end = len(rest)
	}
	return rest[:end]
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

func indexAny(s, chars string) int {
	for i := 0; i < len(s); i++ {
		for _, c := range chars {
			if s[i] == byte(c) {
				return i
			}
		}
	}
	return -1
}

// ─── Built-in Key Extractors ─────────────────────────────────────────────────

// KeyByIP falls back to Fiber's IP() method (which respects proxy headers)
// instead of extracting a user key, for proxies running in front of
// services with no concept of an authenticated principal.
func KeyByIP(c *fiber.Ctx) string {
	return c.IP()
}

// VerbByMethod is the default VerbFunc, exported so callers composing a
// custom Config can still reference it explicitly.
func VerbByMethod(c *fiber.Ctx) string {
	return c.Method()
}
