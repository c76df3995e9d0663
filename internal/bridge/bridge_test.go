package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"triologue-gateway/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestSendAs_SuccessReturnsMessageID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer agent-tok" {
			t.Errorf("expected the agent's own bearer token, got %q", r.Header.Get("Authorization"))
		}
		json.NewEncoder(w).Encode(map[string]string{"messageId": "m1"})
	}))
	defer srv.Close()

	b := New(Config{BaseURL: srv.URL, Logger: testLogger()})
	b.setState(StateConnected)
	result, err := b.SendAs(context.Background(), "agent-tok", "room-1", "hi")
	if err != nil {
		t.Fatalf("SendAs: %v", err)
	}
	if result.MessageID != "m1" {
		t.Fatalf("MessageID: got %q", result.MessageID)
	}
}

func TestSendAs_NotConnectedReturnsBridgeDown(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		json.NewEncoder(w).Encode(map[string]string{"messageId": "m1"})
	}))
	defer srv.Close()

	b := New(Config{BaseURL: srv.URL, Logger: testLogger()})
	_, err := b.SendAs(context.Background(), "agent-tok", "room-1", "hi")
	if err == nil {
		t.Fatal("expected an error when the bridge has no live upstream session")
	}
	gwErr, ok := err.(*domain.GatewayError)
	if !ok {
		t.Fatalf("expected a *domain.GatewayError, got %T", err)
	}
	if gwErr.Code != domain.ErrBridgeDown {
		t.Fatalf("Code: got %q, want %q", gwErr.Code, domain.ErrBridgeDown)
	}
	if hits != 0 {
		t.Fatal("expected the upstream send endpoint to never be called while disconnected")
	}
}

func TestSendAs_UnauthorizedMapsToAuthFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	b := New(Config{BaseURL: srv.URL, Logger: testLogger()})
	b.setState(StateConnected)
	_, err := b.SendAs(context.Background(), "bad-tok", "room-1", "hi")
	if err == nil {
		t.Fatal("expected an error on 401")
	}
	gwErr, ok := err.(*domain.GatewayError)
	if !ok {
		t.Fatalf("expected a *domain.GatewayError, got %T", err)
	}
	if gwErr.Code != domain.ErrAuthFailed {
		t.Fatalf("Code: got %q, want %q", gwErr.Code, domain.ErrAuthFailed)
	}
}

func TestSendAs_ServerErrorMapsToSendFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	b := New(Config{BaseURL: srv.URL, Logger: testLogger()})
	b.setState(StateConnected)
	_, err := b.SendAs(context.Background(), "tok", "room-1", "hi")
	gwErr, ok := err.(*domain.GatewayError)
	if !ok {
		t.Fatalf("expected a *domain.GatewayError, got %T", err)
	}
	if gwErr.Code != domain.ErrSendFailed {
		t.Fatalf("Code: got %q, want %q", gwErr.Code, domain.ErrSendFailed)
	}
}

func TestRoomsFor_DecodesRoomList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("username") != "alice" {
			t.Errorf("expected username query param, got %q", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode([]domain.Room{{ID: "room-1", Name: "general"}})
	}))
	defer srv.Close()

	b := New(Config{BaseURL: srv.URL, Logger: testLogger()})
	rooms, err := b.RoomsFor(context.Background(), "tok", "alice")
	if err != nil {
		t.Fatalf("RoomsFor: %v", err)
	}
	if len(rooms) != 1 || rooms[0].ID != "room-1" {
		t.Fatalf("rooms: got %+v", rooms)
	}
}

func TestFetchSince_ConvertsWireMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{
			{"id": "m1", "room": "room-1", "sender": "alice", "senderId": "p1", "senderType": "human", "content": "hi", "timestamp": time.Now().Unix()},
			{"id": "m2", "room": "room-1", "sender": "bot1", "senderId": "p2", "senderType": "ai", "content": "yo", "timestamp": time.Now().Unix()},
		})
	}))
	defer srv.Close()

	b := New(Config{BaseURL: srv.URL, Logger: testLogger()})
	msgs, err := b.FetchSince(context.Background(), "tok", "room-1", "m0", 10)
	if err != nil {
		t.Fatalf("FetchSince: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].SenderKind != domain.SenderHuman || msgs[1].SenderKind != domain.SenderAI {
		t.Fatalf("sender kinds not converted correctly: %+v %+v", msgs[0], msgs[1])
	}
}

func TestCredential_CachesUntilSkewWindow(t *testing.T) {
	var authCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCalls++
		json.NewEncoder(w).Encode(map[string]any{
			"token":     "cred-1",
			"expiresAt": time.Now().Add(time.Hour).Unix(),
		})
	}))
	defer srv.Close()

	b := New(Config{BaseURL: srv.URL, Username: "gw", Token: "gwtok", Logger: testLogger()})

	c1, err := b.credential(context.Background(), false)
	if err != nil {
		t.Fatalf("credential: %v", err)
	}
	c2, err := b.credential(context.Background(), false)
	if err != nil {
		t.Fatalf("credential: %v", err)
	}
	if c1.Token != c2.Token {
		t.Fatalf("expected the cached credential to be reused, got %q then %q", c1.Token, c2.Token)
	}
	if authCalls != 1 {
		t.Fatalf("expected exactly one upstream authenticate call, got %d", authCalls)
	}
}

func TestCredential_RefreshesOncePastSkewWindow(t *testing.T) {
	var authCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCalls++
		json.NewEncoder(w).Encode(map[string]any{
			"token":     "cred-1",
			"expiresAt": time.Now().Add(30 * time.Second).Unix(),
		})
	}))
	defer srv.Close()

	b := New(Config{BaseURL: srv.URL, Username: "gw", Token: "gwtok", Logger: testLogger()})

	if _, err := b.credential(context.Background(), false); err != nil {
		t.Fatalf("credential: %v", err)
	}
	if _, err := b.credential(context.Background(), false); err != nil {
		t.Fatalf("credential: %v", err)
	}
	if authCalls != 2 {
		t.Fatalf("expected a second authenticate call once inside the skew window, got %d", authCalls)
	}
}

func TestState_DefaultsToDisconnected(t *testing.T) {
	b := New(Config{BaseURL: "http://unused", Logger: testLogger()})
	if b.State() != StateDisconnected {
		t.Fatalf("expected a fresh bridge to report disconnected, got %q", b.State())
	}
}

func TestSubscribe_EmitDeliversToRegisteredHandler(t *testing.T) {
	b := New(Config{BaseURL: "http://unused", Logger: testLogger()})
	received := make(chan domain.InboundMessage, 1)
	b.Subscribe(func(msg domain.InboundMessage) { received <- msg })

	b.emit(domain.InboundMessage{ID: "m1", RoomID: "room-1"})

	select {
	case msg := <-received:
		if msg.ID != "m1" {
			t.Fatalf("ID: got %q", msg.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected emit to reach the subscribed handler")
	}
}

func TestNextBackoff_GrowsThenCaps(t *testing.T) {
	first := nextBackoff(0)
	if first < backoffBase || first > backoffBase+backoffBase/4 {
		t.Fatalf("attempt 0 backoff out of expected range: %s", first)
	}
	late := nextBackoff(10)
	if late < backoffCap || late > backoffCap+backoffCap/4 {
		t.Fatalf("expected a high attempt count to cap out near %s, got %s", backoffCap, late)
	}
}

func TestWSURL_RewritesScheme(t *testing.T) {
	if got := wsURL("https://api.example.com"); got != "wss://api.example.com" {
		t.Errorf("https: got %q", got)
	}
	if got := wsURL("http://api.example.com"); got != "ws://api.example.com" {
		t.Errorf("http: got %q", got)
	}
}
