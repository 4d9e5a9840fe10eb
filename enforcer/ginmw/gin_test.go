package ginmw_test

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/weirqos/weirqos/channel"
	"github.com/weirqos/weirqos/enforcer"
	"github.com/weirqos/weirqos/enforcer/ginmw"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type noopSink struct{}

func (noopSink) EmitReq(string, string, string, enforcer.Direction, string, int64, string) {}
func (noopSink) EmitReqEnd(string, string, string, enforcer.Direction, string, int64)       {}
func (noopSink) EmitDataXfer(string, string, enforcer.Direction, int64)                    {}
func (noopSink) EmitActiveReqs(string, string, enforcer.Direction, int64)                  {}

func newTestConfig() ginmw.Config {
	return ginmw.Config{
		Table:      enforcer.NewLimitTable(nil),
		Violations: enforcer.NewViolations(nil),
		Shaper:     enforcer.NewShaper(nil, 1024),
		Sink:       noopSink{},
		InstanceID: "test-8080",
	}
}

func newRouter(mw gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(mw)
	r.GET("/api/data", func(c *gin.Context) { c.String(200, "ok") })
	r.POST("/api/data", func(c *gin.Context) {
		body, _ := io.ReadAll(c.Request.Body)
		c.String(200, string(body))
	})
	r.GET("/health", func(c *gin.Context) { c.String(200, "ok") })
	return r
}

func TestQoS_AllowsRequest(t *testing.T) {
	router := newRouter(ginmw.QoS(newTestConfig()))

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/data", nil)
	req.RemoteAddr = "1.2.3.4:1234"
	router.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestQoS_DeniesBlockedUser(t *testing.T) {
	cfg := newTestConfig()
	cfg.KeyFunc = func(c *gin.Context) string { return "blockeduser0000001AA" }
	cfg.Violations.Ingest(channel.Policy{Kind: channel.KindReqsBlock, BlockUsers: []string{"blockeduser0000001AA"}})

	router := newRouter(ginmw.QoS(cfg))

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/data", nil)
	req.RemoteAddr = "5.6.7.8:1234"
	router.ServeHTTP(w, req)

	if w.Code != 429 {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestQoS_ExcludePaths(t *testing.T) {
	cfg := newTestConfig()
	cfg.KeyFunc = func(c *gin.Context) string { return "blockeduser0000001AA" }
	cfg.Violations.Ingest(channel.Policy{Kind: channel.KindReqsBlock, BlockUsers: []string{"blockeduser0000001AA"}})
	cfg.ExcludePaths = map[string]bool{"/health": true}

	router := newRouter(ginmw.QoS(cfg))

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	router.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Errorf("health should bypass, got %d", w.Code)
	}
}

func TestQoS_CustomDeniedHandler(t *testing.T) {
	cfg := newTestConfig()
	cfg.KeyFunc = func(c *gin.Context) string { return "blockeduser0000002AA" }
	cfg.Violations.Ingest(channel.Policy{Kind: channel.KindReqsBlock, BlockUsers: []string{"blockeduser0000002AA"}})
	customCalled := false
	cfg.DeniedHandler = func(c *gin.Context, reason enforcer.RejectReason) {
		customCalled = true
		c.AbortWithStatusJSON(429, gin.H{"custom": true, "reason": string(reason)})
	}

	router := newRouter(ginmw.QoS(cfg))

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/data", nil)
	req.RemoteAddr = "11.0.0.1:1234"
	router.ServeHTTP(w, req)

	if !customCalled {
		t.Error("custom denied handler should be called")
	}
}

func TestQoS_ForwardsRequestBody(t *testing.T) {
	router := newRouter(ginmw.QoS(newTestConfig()))

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/data", strings.NewReader("hello world"))
	req.RemoteAddr = "12.0.0.1:1234"
	router.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.String() != "hello world" {
		t.Fatalf("expected body to pass through unchanged, got %q", w.Body.String())
	}
}

func TestKeyByClientIP(t *testing.T) {
	cfg := newTestConfig()
	cfg.KeyFunc = ginmw.KeyByClientIP
	router := newRouter(ginmw.QoS(cfg))

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/data", nil)
	req.RemoteAddr = "13.0.0.1:1234"
	router.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
