package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"tether/cmd/internal/auth/session"
	"tether/cmd/internal/ratelimit"
)

const (
	// Subprotocol is the only subprotocol the feed speaks.
	Subprotocol = "tether.sessions.v1"

	feedDefaultSendQueueSize = 64
	feedMinSendQueueSize     = 8

	feedDefaultWriteTimeout = 5 * time.Second
	feedDefaultReadIdle     = 2 * time.Minute
	feedCloseGrace          = 1 * time.Second

	feedMaxPingFailures = 3

	feedDefaultOriginRequired = true
	feedDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// AccessVerifier verifies access tokens presented in hello.
type AccessVerifier interface {
	VerifyAccess(accessToken string, now time.Time) (session.AccessClaims, error)
}

// FeedConfig tunes the feed. Zero values take defaults.
type FeedConfig struct {
	DevInsecure    bool
	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	HelloTimeout    time.Duration
	SendQueueSize   int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration
}

// LoadFeedConfigFromEnv reads TETHER_FEED_* variables.
func LoadFeedConfigFromEnv() FeedConfig {
	return FeedConfig{
		// Dev-only knob; not an origin policy.
		DevInsecure:      envBoolWS("TETHER_FEED_DEV_INSECURE", false),
		OriginRequired:   envBoolWS("TETHER_FEED_ORIGIN_REQUIRED", feedDefaultOriginRequired),
		AllowedOrigins:   envCSVWS("TETHER_FEED_ALLOWED_ORIGINS", feedDefaultAllowedOrigins),
		WriteTimeout:     envDurationWS("TETHER_FEED_WRITE_TIMEOUT", feedDefaultWriteTimeout),
		ReadIdleTimeout:  envDurationWS("TETHER_FEED_READ_IDLE_TIMEOUT", feedDefaultReadIdle),
		HelloTimeout:     envDurationWS("TETHER_FEED_HELLO_TIMEOUT", helloTimeout),
		SendQueueSize:    envIntWS("TETHER_FEED_SEND_QUEUE", feedDefaultSendQueueSize),
		HeartbeatEvery:   envDurationWS("TETHER_FEED_HEARTBEAT_INTERVAL", heartbeatInterval),
		HeartbeatTimeout: envDurationWS("TETHER_FEED_HEARTBEAT_TIMEOUT", heartbeatTimeout),
		RateEvents:       envIntWS("TETHER_FEED_RATE_EVENTS", rateLimitEvents),
		RateWindow:       envDurationWS("TETHER_FEED_RATE_WINDOW", rateLimitWindow),
	}
}

func (c FeedConfig) withDefaults() FeedConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = feedDefaultWriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = feedDefaultReadIdle
	}
	if c.HelloTimeout <= 0 {
		c.HelloTimeout = helloTimeout
	}
	if c.SendQueueSize < feedMinSendQueueSize {
		c.SendQueueSize = feedMinSendQueueSize
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = heartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = heartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = rateLimitEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = rateLimitWindow
	}
	return c
}

// Feed pushes session lifecycle events to a user's connected clients.
//
// A client upgrades on /ws/sessions with subprotocol tether.sessions.v1,
// sends hello with its access token, and then receives session.event
// envelopes for its own user until it disconnects. Feed implements
// session.Notifier.
type Feed struct {
	log      *slog.Logger
	hub      *Hub
	verifier AccessVerifier
	cfg      FeedConfig

	// Derived for websocket.Accept origin checks.
	originPatterns []string

	now func() time.Time
}

var _ session.Notifier = (*Feed)(nil)

// NewFeed constructs a feed.
func NewFeed(log *slog.Logger, verifier AccessVerifier, cfg FeedConfig) *Feed {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	cfg = cfg.withDefaults()
	return &Feed{
		log:            log,
		hub:            NewHub(log),
		verifier:       verifier,
		cfg:            cfg,
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
		now:            time.Now,
	}
}

// Hub exposes the connection registry.
func (f *Feed) Hub() *Hub { return f.hub }

// Notify publishes ev to the connections of ev.UserID. Offline users are not an error.
func (f *Feed) Notify(_ context.Context, ev session.Event) error {
	if ev.UserID == "" {
		return nil
	}
	p, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	f.hub.Publish(ev.UserID, newEnvelope(TypeSessionEvent, p, f.now().UTC()))
	return nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.HandleWS(w, r)
}

// HandleWS upgrades the request and runs the subscriber loop.
func (f *Feed) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := f.enforceOrigin(r); err != nil {
		f.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{Subprotocol},
		OriginPatterns:     f.originPatterns,
		InsecureSkipVerify: f.cfg.DevInsecure,
	})
	if err != nil {
		f.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != Subprotocol {
		f.log.Info("ws.reject.subprotocol", "got", sp, "want", Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client, err := f.hello(ctx, conn)
	if err != nil {
		f.log.Info("ws.hello.fail", "remote", r.RemoteAddr, "err", err)
		_ = writeEnvelope(ctx, conn, errorEnvelope("hello_failed", err.Error(), f.now().UTC()), f.cfg.WriteTimeout)
		_ = conn.Close(websocket.StatusPolicyViolation, "hello failed")
		return
	}

	var closeOnce sync.Once
	// shutdown is idempotent. It does NOT close client.Send.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			f.hub.Unsubscribe(client)
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	// Subscribe first: events published after the ack must not be missed.
	// They queue on client.Send until the writer starts.
	f.hub.Subscribe(client)

	ack, _ := json.Marshal(HelloAckPayload{ConnID: client.ConnID, UserID: client.UserID})
	if err := writeEnvelope(ctx, conn, newEnvelope(TypeHelloAck, ack, f.now().UTC()), f.cfg.WriteTimeout); err != nil {
		shutdown(websocket.StatusAbnormalClosure, "write failed")
		return
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, f.cfg.WriteTimeout); err != nil {
					f.log.Info("ws.write.fail", "conn_id", client.ConnID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(f.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, f.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					f.log.Info("ws.ping.fail", "conn_id", client.ConnID, "failures", failures, "err", err)
					if failures >= feedMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	rl := ratelimit.NewWindow(f.cfg.RateEvents, f.cfg.RateWindow, rateLimitEvents, rateLimitWindow)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, f.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				f.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				f.log.Info("ws.read.fail", "conn_id", client.ConnID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(f.now().UTC()) {
			f.trySendError(ctx, client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			f.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		// The feed is push-only after hello.
		f.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(feedCloseGrace):
	}
}

// hello reads and verifies the first envelope.
func (f *Feed) hello(ctx context.Context, conn *websocket.Conn) (*Client, error) {
	helloCtx, cancel := context.WithTimeout(ctx, f.cfg.HelloTimeout)
	defer cancel()

	env, err := readEnvelope(helloCtx, conn)
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if env.Type != TypeHello {
		return nil, errors.New("hello required")
	}

	var p HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, errors.New("invalid hello payload")
	}
	tok := strings.TrimSpace(p.Token)
	if tok == "" || len(tok) > maxTokenChars {
		return nil, errors.New("token required")
	}
	if f.verifier == nil {
		return nil, errors.New("auth unavailable")
	}

	now := f.now().UTC()
	claims, err := f.verifier.VerifyAccess(tok, now)
	if err != nil {
		return nil, errors.New("invalid token")
	}

	client := NewClient(newID(now), f.cfg.SendQueueSize)
	client.UserID = claims.Subject
	client.JTI = claims.JTI
	return client, nil
}

// ---- send helpers ----

func (f *Feed) trySendError(ctx context.Context, client *Client, code, msg string) {
	_ = f.enqueue(ctx, client, errorEnvelope(code, msg, f.now().UTC()))
}

func (f *Feed) enqueue(ctx context.Context, client *Client, env Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) Envelope {
	return Envelope{
		V:       Version,
		Type:    typ,
		ID:      newID(ts),
		TS:      ts,
		Payload: payload,
	}
}

func errorEnvelope(code, msg string, ts time.Time) Envelope {
	p, _ := json.Marshal(ErrorPayload{Code: code, Message: msg})
	return newEnvelope(TypeError, p, ts)
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return readErrBadJSON
	}
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (f *Feed) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if f.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(f.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range f.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}
		if origin == a {
			return nil
		}
		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins turns the allowlist into
// websocket.Accept host patterns so both origin checks agree.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
