package channel

import (
	"bufio"
	"context"
	"log/slog"
	"math/rand"
	"net"
	"time"
)

// Handler receives decoded Policy Channel messages as the Edge Enforcer
// reads them off the wire.
type Handler interface {
	HandlePolicy(Policy)
	HandleLimitShare(LimitShareBlock)
}

// Client is the Edge Enforcer's side of the Policy Channel: it dials the
// Policy Generator, reads line-delimited blocks, and reconnects with
// jittered exponential backoff on disconnect (§4.4, §7 "policy-channel
// disconnect").
type Client struct {
	addr    string
	handler Handler
	logger  *slog.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
	dialer     net.Dialer
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBackoff overrides the default jittered-backoff bounds (100ms..10s).
func WithBackoff(min, max time.Duration) ClientOption {
	return func(c *Client) { c.minBackoff, c.maxBackoff = min, max }
}

// WithLogger overrides the default slog.Default() logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient returns a Client that will deliver decoded messages to h.
func NewClient(addr string, h Handler, opts ...ClientOption) *Client {
	c := &Client{
		addr:       addr,
		handler:    h,
		logger:     slog.Default(),
		minBackoff: 100 * time.Millisecond,
		maxBackoff: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run connects and reads forever, reconnecting on any disconnect, until
// ctx is canceled.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.minBackoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
		if err != nil {
			c.logger.Warn("policy channel dial failed", "addr", c.addr, "error", err, "retry_in", backoff)
			if !sleepCtx(ctx, jitter(backoff)) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff, c.maxBackoff)
			continue
		}

		c.logger.Info("policy channel connected", "addr", c.addr)
		backoff = c.minBackoff

		err = c.readConn(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("policy channel disconnected, reconnecting", "addr", c.addr, "error", err, "retry_in", backoff)
		if !sleepCtx(ctx, jitter(backoff)) {
			return ctx.Err()
		}
		backoff = nextBackoff(backoff, c.maxBackoff)
	}
}

// readConn drives the line-by-line state machine for a single connection
// until it closes or ctx is canceled.
func (c *Client) readConn(ctx context.Context, conn net.Conn) error {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)

	r := &reader{handler: c.handler, logger: c.logger}
	for scanner.Scan() {
		r.feed(scanner.Text())
	}
	return scanner.Err()
}

// reader implements the framing state machine described in §4.4: a line
// starting "limit_share" while already inside a limit_share block is a
// framing reset rather than a nesting error; malformed records abort the
// current block without closing the connection.
type reader struct {
	handler Handler
	logger  *slog.Logger

	state        frameState
	policies     []Policy
	shareEntries []LimitShareEntry
}

type frameState int

const (
	stateOutside frameState = iota
	stateInPolicies
	stateInLimitShare
)

func (r *reader) feed(line string) {
	switch r.state {
	case stateOutside:
		switch line {
		case PoliciesHeader:
			r.state = stateInPolicies
			r.policies = r.policies[:0]
		case LimitShareHeader:
			r.state = stateInLimitShare
			r.shareEntries = r.shareEntries[:0]
		default:
			r.logger.Debug("unknown top-level policy channel message", "line", line)
		}

	case stateInPolicies:
		if line == EndOfPolicies {
			for _, p := range r.policies {
				r.handler.HandlePolicy(p)
			}
			r.state = stateOutside
			return
		}
		p, err := ParsePolicyLine(line)
		if err != nil {
			r.logger.Warn("malformed policy record, aborting block", "error", err)
			r.state = stateOutside
			return
		}
		r.policies = append(r.policies, p)

	case stateInLimitShare:
		switch line {
		case LimitShareHeader:
			r.logger.Warn("limit_share block reset before end_limit_share; dropping partial block")
			r.shareEntries = r.shareEntries[:0]
			return
		case EndLimitShare:
			r.handler.HandleLimitShare(LimitShareBlock{Entries: append([]LimitShareEntry(nil), r.shareEntries...)})
			r.state = stateOutside
			return
		}
		e, err := ParseLimitShareLine(line)
		if err != nil {
			r.logger.Warn("malformed limit_share record, aborting block", "error", err)
			r.state = stateOutside
			return
		}
		r.shareEntries = append(r.shareEntries, e)
	}
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
