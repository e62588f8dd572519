// Package main is a CI-friendly smoke test for a running tether server.
//
// It validates:
//   - feed handshake, subprotocol selection and hello/ack
//   - refresh rotation and the matching session.rotated event
//   - replay of the consumed refresh token and the reuse cascade event
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	"tether/cmd/internal/auth/session"
	"tether/cmd/internal/realtime"
)

const maxReadBytes = 1 << 20

type feedClient struct {
	conn   *websocket.Conn
	connID string

	inbox chan realtime.Envelope
	errCh chan error
}

func main() {
	var (
		baseURL = flag.String("url", "http://127.0.0.1:8080", "Server base URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send on the feed handshake")
		access  = flag.String("access", "", "Access token for the feed hello")
		refresh = flag.String("refresh", "", "Refresh token to rotate and then replay (optional)")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if strings.TrimSpace(*access) == "" {
		fatalf("-access is required")
	}
	wsURL, err := feedURL(*baseURL)
	if err != nil {
		fatalf("invalid -url: %v", err)
	}

	root := context.Background()

	c := mustConnect(root, wsURL, *origin, *access, *timeout)
	defer func() { _ = c.conn.Close(websocket.StatusNormalClosure, "bye") }()

	if *verbose {
		fmt.Printf("connected: conn_id=%s url=%s\n", c.connID, wsURL)
	}

	if *refresh == "" {
		fmt.Printf("OK: conn_id=%s\n", c.connID)
		return
	}

	status, body := mustPostRefresh(root, *baseURL, *refresh, *timeout)
	if status != http.StatusOK {
		fatalf("rotate: status=%d body=%s", status, body)
	}
	c.mustReadEvent(root, session.EventRotated, *timeout)

	status, body = mustPostRefresh(root, *baseURL, *refresh, *timeout)
	if status != http.StatusUnauthorized || !strings.Contains(body, "refresh_reuse_detected") {
		fatalf("replay: status=%d body=%s", status, body)
	}
	ev := c.mustReadEvent(root, session.EventReuseDetected, *timeout)

	fmt.Printf("OK: conn_id=%s rotated=true reuse_revoked=%d\n", c.connID, ev.Count)
}

func feedURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("missing host")
	}
	u.Path = "/ws/sessions"
	return u.String(), nil
}

func mustConnect(parent context.Context, wsURL, origin, access string, stepTimeout time.Duration) *feedClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{realtime.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect: %v", err)
	}
	if got := conn.Subprotocol(); got != realtime.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, realtime.Subprotocol)
	}
	conn.SetReadLimit(maxReadBytes)

	c := &feedClient{
		conn:  conn,
		inbox: make(chan realtime.Envelope, 64),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	hello := realtime.Envelope{
		V:       realtime.Version,
		Type:    realtime.TypeHello,
		ID:      "smoke-hello",
		TS:      time.Now().UTC(),
		Payload: mustJSON(realtime.HelloPayload{Token: access}),
	}
	mustWrite(parent, conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, realtime.TypeHelloAck, stepTimeout)

	var p realtime.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello.ack payload: %v", err)
	}
	if strings.TrimSpace(p.ConnID) == "" {
		fatalf("hello.ack missing conn_id")
	}
	c.connID = p.ConnID
	return c
}

func (c *feedClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}

			var env realtime.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *feedClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func (c *feedClient) mustReadEvent(parent context.Context, want session.EventType, stepTimeout time.Duration) session.Event {
	for {
		env := c.mustReadUntilType(parent, realtime.TypeSessionEvent, stepTimeout)

		var ev session.Event
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			fatalf("unmarshal session.event payload: %v", err)
		}
		// Issuance events from other logins may interleave.
		if ev.Type == want {
			return ev
		}
	}
}

func (c *feedClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) realtime.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q: %v", wantType, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q: %v", wantType, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q", wantType)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == realtime.TypeError {
				var ep realtime.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error: code=%q msg=%q", ep.Code, ep.Message)
			}
		}
	}
}

func mustPostRefresh(parent context.Context, base, refresh string, stepTimeout time.Duration) (int, string) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	body := mustJSON(map[string]string{"refresh_token": refresh})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+"/auth/refresh", bytes.NewReader(body))
	if err != nil {
		fatalf("build refresh request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("refresh request: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	return resp.StatusCode, string(b)
}

func mustWrite(parent context.Context, conn *websocket.Conn, env realtime.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
