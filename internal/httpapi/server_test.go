package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"consultline.local/projects/engine/internal/channel"
	"consultline.local/projects/engine/internal/directory"
	"consultline.local/projects/engine/internal/dispatch"
	"consultline.local/projects/engine/internal/engine"
	"consultline.local/projects/engine/internal/ledger"
	"consultline.local/projects/engine/internal/presence"
)

type testServer struct {
	ts     *httptest.Server
	ledger *ledger.MemoryStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := log.New(io.Discard, "", 0)

	ledgerStore := ledger.NewMemoryStore("platform", decimal.RequireFromString("0.55"))
	if _, err := ledgerStore.CreateAccount(context.Background(), "platform", ledger.AccountPlatform); err != nil {
		t.Fatalf("create platform account: %v", err)
	}

	hub := channel.NewHub(logger)
	controller := engine.NewController(
		logger,
		engine.Settings{},
		ledgerStore,
		directory.NewMemoryStore(),
		presence.NewTracker(),
		dispatch.New(logger, nil),
		hub,
	)

	srv := NewServer(logger, ":0", controller, ledgerStore, hub)
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return &testServer{ts: ts, ledger: ledgerStore}
}

func (s *testServer) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(s.ts.URL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	return resp
}

func (s *testServer) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(s.ts.URL + path)
	if err != nil {
		t.Fatalf("get %s: %v", path, err)
	}
	return resp
}

func decodeResponse(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func (s *testServer) seedParticipants(t *testing.T, customerBalance string) {
	t.Helper()
	for _, resp := range []*http.Response{
		s.post(t, "/v1/accounts", map[string]any{"account_id": "cust_1", "kind": "customer"}),
		s.post(t, "/v1/accounts", map[string]any{"account_id": "prov_1", "kind": "provider"}),
	} {
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("seed account: status %d", resp.StatusCode)
		}
		resp.Body.Close()
	}
	resp := s.post(t, "/v1/deposits", map[string]any{"account_id": "cust_1", "amount": customerBalance})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("seed deposit: status %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	resp := s.get(t, "/healthz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	var body map[string]any
	decodeResponse(t, resp, &body)
	if body["ok"] != true {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestAccountLifecycle(t *testing.T) {
	s := newTestServer(t)

	resp := s.post(t, "/v1/accounts", map[string]any{"account_id": "cust_1", "kind": "customer"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status %d", resp.StatusCode)
	}
	var account accountResponse
	decodeResponse(t, resp, &account)
	if account.Balance != "0.00" {
		t.Fatalf("new account balance: %s", account.Balance)
	}

	resp = s.post(t, "/v1/accounts", map[string]any{"account_id": "cust_1", "kind": "customer"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = s.post(t, "/v1/deposits", map[string]any{"account_id": "cust_1", "amount": "10.00"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deposit: status %d", resp.StatusCode)
	}
	decodeResponse(t, resp, &account)
	if account.Balance != "10.00" {
		t.Fatalf("balance after deposit: %s", account.Balance)
	}

	resp = s.post(t, "/v1/deposits", map[string]any{"account_id": "cust_1", "amount": "-1.00"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("negative deposit: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = s.get(t, "/v1/accounts?id=missing")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing account: status %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSessionHandoffAndEnd(t *testing.T) {
	s := newTestServer(t)
	s.seedParticipants(t, "10.00")

	resp := s.post(t, "/v1/sessions", map[string]any{
		"customer_id": "cust_1",
		"provider_id": "prov_1",
		"mode":        "chat",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session: status %d", resp.StatusCode)
	}
	var sess sessionResponse
	decodeResponse(t, resp, &sess)
	if sess.SessionID == "" || sess.Status != "accepted" {
		t.Fatalf("unexpected session response: %+v", sess)
	}

	resp = s.get(t, "/v1/sessions?id="+sess.SessionID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get session: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = s.post(t, "/v1/sessions/end", map[string]any{"session_id": sess.SessionID, "participant_id": "cust_1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("end session: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = s.get(t, "/v1/sessions?id="+sess.SessionID)
	var ended sessionResponse
	decodeResponse(t, resp, &ended)
	if ended.Status != "ended" || ended.EndReason != "explicit_end" {
		t.Fatalf("unexpected final state: %+v", ended)
	}
}

func TestCreateSessionRejectsBadBody(t *testing.T) {
	s := newTestServer(t)

	resp, err := http.Post(s.ts.URL+"/v1/sessions", "application/json", strings.NewReader(`{"unknown_field": 1}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown field: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = s.post(t, "/v1/sessions", map[string]any{
		"customer_id": "cust_1",
		"provider_id": "cust_1",
		"mode":        "chat",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("identical participants: status %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func (s *testServer) dialWS(t *testing.T, sessionID, participantID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/v1/sessions/ws?session_id=" + sessionID
	header := http.Header{"X-Participant-ID": []string{participantID}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn, wantType string) channel.Outbound {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	_ = conn.SetReadDeadline(deadline)
	for {
		var msg channel.Outbound
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s frame: %v", wantType, err)
		}
		if msg.Type == wantType {
			return msg
		}
	}
}

func TestWebsocketChatFlow(t *testing.T) {
	s := newTestServer(t)
	s.seedParticipants(t, "1.00")

	resp := s.post(t, "/v1/sessions", map[string]any{
		"session_id":  "sess_ws",
		"customer_id": "cust_1",
		"provider_id": "prov_1",
		"mode":        "chat",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	customer := s.dialWS(t, "sess_ws", "cust_1")
	provider := s.dialWS(t, "sess_ws", "prov_1")

	readFrame(t, customer, channel.TypePresence)
	readFrame(t, provider, channel.TypePresence)

	if err := customer.WriteJSON(channel.Inbound{Action: channel.ActionSendMessage, Body: "hello"}); err != nil {
		t.Fatalf("send message: %v", err)
	}
	frame := readFrame(t, provider, channel.TypeMessage)
	if frame.From != "cust_1" || frame.Body != "hello" {
		t.Fatalf("unexpected message frame: %+v", frame)
	}
	readFrame(t, customer, channel.TypeMessage)

	// One 0.10 charge against the 1.00 balance.
	balances := readFrame(t, customer, channel.TypeBalances)
	if balances.CustomerBalance != "0.90" {
		t.Fatalf("customer balance after one message: %s", balances.CustomerBalance)
	}

	if err := provider.WriteJSON(channel.Inbound{Action: channel.ActionEndSession}); err != nil {
		t.Fatalf("end session: %v", err)
	}
	ended := readFrame(t, customer, channel.TypeSessionEnded)
	if ended.Reason != "explicit_end" {
		t.Fatalf("unexpected end reason: %s", ended.Reason)
	}
}

func TestWebsocketRejectsUnknownSession(t *testing.T) {
	s := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/v1/sessions/ws?session_id=missing"
	header := http.Header{"X-Participant-ID": []string{"cust_1"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg channel.Outbound
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	if msg.Type != channel.TypeError {
		t.Fatalf("expected error frame, got %+v", msg)
	}
}

func TestWebsocketUnsupportedAction(t *testing.T) {
	s := newTestServer(t)
	s.seedParticipants(t, "1.00")

	resp := s.post(t, "/v1/sessions", map[string]any{
		"session_id":  "sess_ws",
		"customer_id": "cust_1",
		"provider_id": "prov_1",
		"mode":        "chat",
	})
	resp.Body.Close()

	customer := s.dialWS(t, "sess_ws", "cust_1")
	if err := customer.WriteJSON(channel.Inbound{Action: "selfDestruct"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	frame := readFrame(t, customer, channel.TypeError)
	if !strings.Contains(frame.Message, "unsupported action") {
		t.Fatalf("unexpected error message: %s", frame.Message)
	}
}
