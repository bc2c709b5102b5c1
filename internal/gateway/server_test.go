package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/omniclaw/internal/bus"
	"github.com/nextlevelbuilder/omniclaw/internal/channels/webchat"
	"github.com/nextlevelbuilder/omniclaw/internal/config"
	"github.com/nextlevelbuilder/omniclaw/pkg/protocol"
)

type testGateway struct {
	server  *Server
	bus     *bus.MessageBus
	webchat *webchat.Channel
	httpURL string
	wsURL   string
}

func newTestGateway(t *testing.T, gwCfg config.GatewayConfig) *testGateway {
	t.Helper()

	b := bus.New()
	wc := webchat.New(config.WebchatConfig{Enabled: true}, b)
	if err := wc.Start(context.Background()); err != nil {
		t.Fatalf("webchat Start() error = %v", err)
	}
	t.Cleanup(func() { wc.Stop(context.Background()) })

	cfg := &config.Config{Gateway: gwCfg}
	s := NewServer(cfg, b, wc)

	srv := httptest.NewServer(s.BuildMux())
	t.Cleanup(srv.Close)

	return &testGateway{
		server:  s,
		bus:     b,
		webchat: wc,
		httpURL: srv.URL,
		wsURL:   "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
	}
}

func (g *testGateway) dial(t *testing.T, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(g.wsURL, header)
	if err != nil {
		t.Fatalf("dial %s: %v", g.wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame protocol.ClientFrame) {
	t.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.ServerFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame protocol.ServerFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func TestHealthEndpoint(t *testing.T) {
	g := newTestGateway(t, config.GatewayConfig{})

	resp, err := http.Get(g.httpURL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"status":"ok"`) {
		t.Errorf("body = %s", body)
	}
}

func TestAuthToken(t *testing.T) {
	g := newTestGateway(t, config.GatewayConfig{Token: "secret"})

	if _, _, err := websocket.DefaultDialer.Dial(g.wsURL, nil); err == nil {
		t.Fatal("dial without token should fail")
	}

	conn, _, err := websocket.DefaultDialer.Dial(g.wsURL+"?token=secret", nil)
	if err != nil {
		t.Fatalf("dial with query token: %v", err)
	}
	conn.Close()

	header := http.Header{"Authorization": []string{"Bearer secret"}}
	conn2, _, err := websocket.DefaultDialer.Dial(g.wsURL, header)
	if err != nil {
		t.Fatalf("dial with bearer token: %v", err)
	}
	conn2.Close()
}

func TestOriginWhitelist(t *testing.T) {
	g := newTestGateway(t, config.GatewayConfig{AllowedOrigins: []string{"https://ok.example"}})

	bad := http.Header{"Origin": []string{"https://evil.example"}}
	if _, _, err := websocket.DefaultDialer.Dial(g.wsURL, bad); err == nil {
		t.Fatal("dial from rejected origin should fail")
	}

	good := http.Header{"Origin": []string{"https://ok.example"}}
	conn, _, err := websocket.DefaultDialer.Dial(g.wsURL, good)
	if err != nil {
		t.Fatalf("dial from allowed origin: %v", err)
	}
	conn.Close()

	// No Origin header (CLI clients) is always allowed.
	conn2, _, err := websocket.DefaultDialer.Dial(g.wsURL, nil)
	if err != nil {
		t.Fatalf("dial without origin: %v", err)
	}
	conn2.Close()
}

func TestChatFrameReachesBus(t *testing.T) {
	g := newTestGateway(t, config.GatewayConfig{})
	conn := g.dial(t, nil)

	writeFrame(t, conn, protocol.ClientFrame{
		Type:    protocol.TypeChat,
		ID:      "f1",
		Payload: []byte(`{"content":"hello gateway"}`),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, ok := g.bus.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("expected an inbound message")
	}
	if msg.Channel != "webchat" {
		t.Errorf("Channel = %q, want webchat", msg.Channel)
	}
	if msg.Content != "hello gateway" {
		t.Errorf("Content = %q", msg.Content)
	}
	if msg.Metadata["message_id"] != "f1" {
		t.Errorf("Metadata = %v", msg.Metadata)
	}
	if msg.ChatID == "" || msg.ChatID != msg.SenderID {
		t.Errorf("ChatID = %q, SenderID = %q", msg.ChatID, msg.SenderID)
	}
}

func TestReplyDeliveredToClient(t *testing.T) {
	g := newTestGateway(t, config.GatewayConfig{})
	conn := g.dial(t, nil)

	writeFrame(t, conn, protocol.ClientFrame{
		Type:    protocol.TypeChat,
		Payload: []byte(`{"content":"question"}`),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, ok := g.bus.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("expected the inbound message")
	}

	err := g.webchat.Send(context.Background(), bus.OutboundMessage{
		ChatID:  msg.ChatID,
		Content: "answer",
		Media:   []bus.MediaAttachment{{URL: "https://cdn.example/a.png", ContentType: "image/png"}},
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	frame := readFrame(t, conn)
	if frame.Type != protocol.TypeMessage {
		t.Fatalf("frame type = %q, want message", frame.Type)
	}
	var p protocol.MessagePayload
	if err := protocol.DecodePayload(frame.Payload, &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.Content != "answer" {
		t.Errorf("Content = %q", p.Content)
	}
	if len(p.Media) != 1 || p.Media[0].URL != "https://cdn.example/a.png" {
		t.Errorf("Media = %+v", p.Media)
	}
}

func TestPingPong(t *testing.T) {
	g := newTestGateway(t, config.GatewayConfig{})
	conn := g.dial(t, nil)

	writeFrame(t, conn, protocol.ClientFrame{Type: protocol.TypePing, ID: "p1"})

	frame := readFrame(t, conn)
	if frame.Type != protocol.TypePong || frame.ID != "p1" {
		t.Errorf("frame = %+v, want pong p1", frame)
	}
}

func TestStatusFrame(t *testing.T) {
	g := newTestGateway(t, config.GatewayConfig{})
	conn := g.dial(t, nil)

	writeFrame(t, conn, protocol.ClientFrame{Type: protocol.TypeStatus, ID: "s1"})

	frame := readFrame(t, conn)
	if frame.Type != protocol.TypeStatus || frame.ID != "s1" {
		t.Fatalf("frame = %+v", frame)
	}
	var p protocol.StatusPayload
	if err := protocol.DecodePayload(frame.Payload, &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.Protocol != protocol.ProtocolVersion {
		t.Errorf("Protocol = %d", p.Protocol)
	}
	if p.Clients != 1 {
		t.Errorf("Clients = %d, want 1", p.Clients)
	}
}

func TestApproveFrameBecomesCommand(t *testing.T) {
	g := newTestGateway(t, config.GatewayConfig{})
	conn := g.dial(t, nil)

	writeFrame(t, conn, protocol.ClientFrame{
		Type:    protocol.TypeApprove,
		Payload: []byte(`{"approval_id":"abc123"}`),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, ok := g.bus.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("expected an inbound message")
	}
	if msg.Content != "/approve abc123" {
		t.Errorf("Content = %q, want /approve abc123", msg.Content)
	}
}

func TestChatTooLongRejected(t *testing.T) {
	g := newTestGateway(t, config.GatewayConfig{MaxMessageChars: 10})
	conn := g.dial(t, nil)

	writeFrame(t, conn, protocol.ClientFrame{
		Type:    protocol.TypeChat,
		ID:      "long1",
		Payload: []byte(`{"content":"this message is way past ten characters"}`),
	})

	frame := readFrame(t, conn)
	if frame.Type != protocol.TypeError || frame.ID != "long1" {
		t.Fatalf("frame = %+v, want an error frame", frame)
	}
	var p protocol.ErrorPayload
	if err := protocol.DecodePayload(frame.Payload, &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if !strings.Contains(p.Error, "too long") {
		t.Errorf("Error = %q", p.Error)
	}
}

func TestChatRateLimited(t *testing.T) {
	g := newTestGateway(t, config.GatewayConfig{RateLimitRPM: 2})
	conn := g.dial(t, nil)

	for i := 0; i < 3; i++ {
		writeFrame(t, conn, protocol.ClientFrame{
			Type:    protocol.TypeChat,
			Payload: []byte(`{"content":"spam"}`),
		})
	}

	frame := readFrame(t, conn)
	if frame.Type != protocol.TypeError {
		t.Fatalf("frame type = %q, want error after exceeding the limit", frame.Type)
	}

	// Only the first two made it to the bus.
	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if _, ok := g.bus.ConsumeInbound(ctx); !ok {
			cancel()
			t.Fatalf("message %d missing from bus", i+1)
		}
		cancel()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if extra, ok := g.bus.ConsumeInbound(ctx); ok {
		t.Fatalf("rate-limited message leaked through: %+v", extra)
	}
}

func TestUnknownFrameType(t *testing.T) {
	g := newTestGateway(t, config.GatewayConfig{})
	conn := g.dial(t, nil)

	writeFrame(t, conn, protocol.ClientFrame{Type: "bogus", ID: "u1"})

	frame := readFrame(t, conn)
	if frame.Type != protocol.TypeError || frame.ID != "u1" {
		t.Errorf("frame = %+v, want an error frame", frame)
	}
}

func TestBroadcastEventReachesClients(t *testing.T) {
	g := newTestGateway(t, config.GatewayConfig{})
	conn := g.dial(t, nil)

	// Subscription happens during the upgrade handler but the dialer can
	// return first. Wait for the server to register the client.
	deadline := time.After(2 * time.Second)
	for g.server.ClientCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("client never registered")
		case <-time.After(5 * time.Millisecond):
		}
	}

	g.bus.Broadcast(bus.Event{Name: "agent", Payload: map[string]string{"type": "run.started"}})

	frame := readFrame(t, conn)
	if frame.Type != protocol.TypeEvent || frame.Event != "agent" {
		t.Errorf("frame = %+v, want an agent event", frame)
	}
}

func TestClientDetachedOnDisconnect(t *testing.T) {
	g := newTestGateway(t, config.GatewayConfig{})
	conn := g.dial(t, nil)

	deadline := time.After(2 * time.Second)
	for g.webchat.ClientCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("client never attached")
		case <-time.After(5 * time.Millisecond):
		}
	}

	conn.Close()

	deadline = time.After(2 * time.Second)
	for g.webchat.ClientCount() != 0 {
		select {
		case <-deadline:
			t.Fatal("client never detached after disconnect")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
