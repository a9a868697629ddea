package wire_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/websoft9/remotehost/internal/wire"
	"github.com/websoft9/remotehost/internal/wireproto"
)

// startFakeAgent runs a minimal in-process WebSocket server that speaks just
// enough of the wire protocol to exercise Client: it authenticates any token
// when wantToken is empty and only wantToken otherwise, echoes exec requests
// back as a result, and answers ping and shutdown.
func startFakeAgent(t *testing.T, wantToken string) (port int, stop func()) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var authReq wireproto.Request
		if err := conn.ReadJSON(&authReq); err != nil {
			return
		}
		if authReq.Type != wireproto.TypeAuth || (wantToken != "" && authReq.Token != wantToken) {
			conn.Close()
			return
		}
		if err := conn.WriteJSON(wireproto.Response{Type: wireproto.TypeAuthenticated}); err != nil {
			return
		}

		for {
			var req wireproto.Request
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			switch req.Type {
			case wireproto.TypePing:
				conn.WriteJSON(wireproto.Response{Type: wireproto.TypePong, RequestID: req.RequestID})
			case wireproto.TypeShutdown:
				conn.WriteJSON(wireproto.Response{Type: wireproto.TypeShutdownAck, RequestID: req.RequestID})
			case wireproto.TypeExec:
				exitCode := 0
				conn.WriteJSON(wireproto.Response{
					Type:      wireproto.TypeResult,
					RequestID: req.RequestID,
					Success:   true,
					Output:    "echo:" + req.Command,
					ExitCode:  &exitCode,
				})
			}
		}
	}))

	addr := strings.TrimPrefix(srv.URL, "http://")
	_, p, _ := splitHostPort(addr)
	return p, srv.Close
}

func splitHostPort(addr string) (string, int, error) {
	idx := strings.LastIndex(addr, ":")
	portStr := addr[idx+1:]
	port := 0
	for _, c := range portStr {
		port = port*10 + int(c-'0')
	}
	return addr[:idx], port, nil
}

func TestClientAuthenticateAndCall(t *testing.T) {
	port, stop := startFakeAgent(t, "secret-token")
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := wire.Dial(ctx, port, "secret-token", zerolog.Nop())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	resp, err := c.Call(ctx, wireproto.Request{
		Type:      wireproto.TypeExec,
		RequestID: wireproto.NewRequestID(),
		Command:   "echo hi",
	}, 5*time.Second)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !resp.Success || resp.Output != "echo:echo hi" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestClientAuthenticateRejected(t *testing.T) {
	port, stop := startFakeAgent(t, "right-token")
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := wire.Dial(ctx, port, "wrong-token", zerolog.Nop())
	if err == nil {
		t.Fatal("expected auth failure, got nil error")
	}
}

func TestClientPingAndShutdown(t *testing.T) {
	port, stop := startFakeAgent(t, "")
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := wire.Dial(ctx, port, "any", zerolog.Nop())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if err := c.Ping(ctx, time.Second); err != nil {
		t.Errorf("Ping: %v", err)
	}
	if err := c.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestClientCallTimeout(t *testing.T) {
	// A server that authenticates but never answers further requests
	// exercises the deadline path.
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var authReq wireproto.Request
		if err := conn.ReadJSON(&authReq); err != nil {
			return
		}
		conn.WriteJSON(wireproto.Response{Type: wireproto.TypeAuthenticated})
		// Read and silently drop everything after.
		for {
			var req wireproto.Request
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	addr := strings.TrimPrefix(srv.URL, "http://")
	_, port, _ := splitHostPort(addr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := wire.Dial(ctx, port, "any", zerolog.Nop())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	_, err = c.Call(ctx, wireproto.Request{
		Type:      wireproto.TypeExec,
		RequestID: wireproto.NewRequestID(),
		Command:   "sleep 100",
	}, 200*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}
