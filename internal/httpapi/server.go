// Package httpapi exposes the engine over HTTP: a small management
// surface for accounts and session handoffs, and the websocket endpoint
// participants connect to.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"consultline.local/projects/engine/internal/channel"
	"consultline.local/projects/engine/internal/directory"
	"consultline.local/projects/engine/internal/engine"
	"consultline.local/projects/engine/internal/ids"
	"consultline.local/projects/engine/internal/ledger"
)

const maxWSMessageBytes int64 = 1 << 20

type server struct {
	logger *log.Logger
	engine *engine.Controller
	ledger ledger.Store
	hub    *channel.Hub
}

func NewServer(logger *log.Logger, addr string, controller *engine.Controller, ledgerStore ledger.Store, hub *channel.Hub) *http.Server {
	h := &server{
		logger: logger,
		engine: controller,
		ledger: ledgerStore,
		hub:    hub,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/v1/accounts", h.handleAccounts)
	mux.HandleFunc("/v1/deposits", h.handleDeposits)
	mux.HandleFunc("/v1/sessions", h.handleSessions)
	mux.HandleFunc("/v1/sessions/end", h.handleEndSession)
	mux.HandleFunc("/v1/sessions/ws", h.handleSessionWS)

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type createAccountBody struct {
	AccountID string `json:"account_id"`
	Kind      string `json:"kind"`
}

type accountResponse struct {
	AccountID string `json:"account_id"`
	Kind      string `json:"kind"`
	Balance   string `json:"balance"`
}

func (s *server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleGetAccount(w, r)
	case http.MethodPost:
		s.handleCreateAccount(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}
	account, err := s.ledger.GetAccount(r.Context(), id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			http.Error(w, "account not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load account", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(account))
}

func (s *server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountBody
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.AccountID) == "" {
		http.Error(w, "account_id is required", http.StatusBadRequest)
		return
	}
	kind, err := parseAccountKind(req.Kind)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	account, err := s.ledger.CreateAccount(r.Context(), strings.TrimSpace(req.AccountID), kind)
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateAccount) {
			http.Error(w, "account already exists", http.StatusConflict)
			return
		}
		http.Error(w, "failed to create account", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountResponse(account))
}

type depositBody struct {
	AccountID string `json:"account_id"`
	Amount    string `json:"amount"`
	Kind      string `json:"kind"`
}

func (s *server) handleDeposits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req depositBody
	if !decodeBody(w, r, &req) {
		return
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid amount: %v", err), http.StatusBadRequest)
		return
	}
	kind := ledger.KindTopup
	if strings.TrimSpace(req.Kind) != "" {
		kind = ledger.Kind(strings.TrimSpace(req.Kind))
	}

	account, err := s.ledger.Deposit(r.Context(), strings.TrimSpace(req.AccountID), amount, kind)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrNotFound):
			http.Error(w, "account not found", http.StatusNotFound)
		case errors.Is(err, ledger.ErrInvalidAmount):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			http.Error(w, "failed to deposit", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(account))
}

type createSessionBody struct {
	SessionID     string `json:"session_id"`
	CustomerID    string `json:"customer_id"`
	ProviderID    string `json:"provider_id"`
	Mode          string `json:"mode"`
	UnitPrice     string `json:"unit_price"`
	Prepaid       bool   `json:"prepaid"`
	BookedMinutes int    `json:"booked_minutes"`
}

type sessionResponse struct {
	SessionID     string `json:"session_id"`
	CustomerID    string `json:"customer_id"`
	ProviderID    string `json:"provider_id"`
	Mode          string `json:"mode"`
	Status        string `json:"status"`
	UnitPrice     string `json:"unit_price,omitempty"`
	Prepaid       bool   `json:"prepaid"`
	BookedMinutes int    `json:"booked_minutes,omitempty"`
	StartedAt     string `json:"started_at,omitempty"`
	EndedAt       string `json:"ended_at,omitempty"`
	EndReason     string `json:"end_reason,omitempty"`
}

func (s *server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleGetSession(w, r)
	case http.MethodPost:
		s.handleCreateSession(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}
	rec, err := s.engine.Session(r.Context(), id)
	if err != nil {
		if errors.Is(err, engine.ErrUnknownSession) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load session", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(rec))
}

func (s *server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionBody
	if !decodeBody(w, r, &req) {
		return
	}

	handoff := engine.Handoff{
		SessionID:     strings.TrimSpace(req.SessionID),
		CustomerID:    strings.TrimSpace(req.CustomerID),
		ProviderID:    strings.TrimSpace(req.ProviderID),
		Mode:          directory.Mode(strings.TrimSpace(req.Mode)),
		Prepaid:       req.Prepaid,
		BookedMinutes: req.BookedMinutes,
	}
	if handoff.SessionID == "" {
		handoff.SessionID = "sess_" + ids.New()
	}
	if strings.TrimSpace(req.UnitPrice) != "" {
		price, err := decimal.NewFromString(strings.TrimSpace(req.UnitPrice))
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid unit_price: %v", err), http.StatusBadRequest)
			return
		}
		handoff.UnitPrice = &price
	}

	rec, err := s.engine.Accept(r.Context(), handoff)
	if err != nil {
		switch {
		case errors.Is(err, directory.ErrDuplicateSession):
			http.Error(w, "session already exists", http.StatusConflict)
		case errors.Is(err, ledger.ErrInsufficientFunds):
			http.Error(w, "insufficient funds for booking", http.StatusPaymentRequired)
		case errors.Is(err, ledger.ErrNotFound):
			http.Error(w, "account not found", http.StatusNotFound)
		default:
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(rec))
}

type endSessionBody struct {
	SessionID     string `json:"session_id"`
	ParticipantID string `json:"participant_id"`
}

func (s *server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req endSessionBody
	if !decodeBody(w, r, &req) {
		return
	}
	err := s.engine.End(r.Context(), strings.TrimSpace(req.SessionID), strings.TrimSpace(req.ParticipantID))
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrUnknownSession):
			http.Error(w, "session not found", http.StatusNotFound)
		case errors.Is(err, engine.ErrNotParticipant):
			http.Error(w, "not a session participant", http.StatusForbidden)
		default:
			http.Error(w, "failed to end session", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ended": true})
}

func (s *server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	participantID := strings.TrimSpace(r.Header.Get("X-Participant-ID"))
	if participantID == "" {
		participantID = strings.TrimSpace(r.URL.Query().Get("participant_id"))
	}
	if sessionID == "" || participantID == "" {
		http.Error(w, "session_id and participant_id are required", http.StatusBadRequest)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: isWebSocketOriginAllowed}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("session ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxWSMessageBytes)

	connID := s.hub.Add(sessionID, participantID, conn)
	if err := s.engine.Join(r.Context(), sessionID, participantID, connID); err != nil {
		_ = conn.WriteJSON(channel.Error(err.Error()))
		s.hub.Remove(connID)
		return
	}
	defer func() {
		s.engine.Leave(connID)
		s.hub.Remove(connID)
	}()

	for {
		var inbound channel.Inbound
		if err := conn.ReadJSON(&inbound); err != nil {
			return
		}
		s.dispatchInbound(r, sessionID, participantID, connID, inbound)
	}
}

// dispatchInbound routes one client action to the engine. Billing
// rejections are already pushed by the engine itself; only unexpected
// failures go back as error frames.
func (s *server) dispatchInbound(r *http.Request, sessionID, participantID, connID string, inbound channel.Inbound) {
	var err error
	switch inbound.Action {
	case channel.ActionJoinSession:
		// The socket joined at upgrade time.
		return
	case channel.ActionStartBilling:
		err = s.engine.StartBilling(r.Context(), sessionID, participantID)
	case channel.ActionSendMessage:
		err = s.engine.SendMessage(r.Context(), sessionID, participantID, inbound.Body)
	case channel.ActionEndSession:
		err = s.engine.End(r.Context(), sessionID, participantID)
	default:
		s.hub.SendToConn(connID, channel.Error(fmt.Sprintf("unsupported action %q", inbound.Action)))
		return
	}

	if err != nil && !errors.Is(err, engine.ErrChargeRejected) && !errors.Is(err, engine.ErrSessionEnded) {
		s.hub.SendToConn(connID, channel.Error(err.Error()))
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return false
	}
	if dec.More() {
		http.Error(w, "invalid json: trailing content", http.StatusBadRequest)
		return false
	}
	return true
}

func parseAccountKind(raw string) (ledger.AccountKind, error) {
	kind := ledger.AccountKind(strings.TrimSpace(raw))
	switch kind {
	case ledger.AccountCustomer, ledger.AccountProvider, ledger.AccountPlatform:
		return kind, nil
	}
	return "", fmt.Errorf("unsupported account kind %q", raw)
}

func toAccountResponse(account ledger.Account) accountResponse {
	return accountResponse{
		AccountID: account.ID,
		Kind:      string(account.Kind),
		Balance:   account.Balance.StringFixed(2),
	}
}

func toSessionResponse(rec directory.Record) sessionResponse {
	resp := sessionResponse{
		SessionID:     rec.SessionID,
		CustomerID:    rec.CustomerID,
		ProviderID:    rec.ProviderID,
		Mode:          string(rec.Mode),
		Status:        string(rec.Status),
		Prepaid:       rec.Prepaid,
		BookedMinutes: rec.BookedMinutes,
		EndReason:     string(rec.EndReason),
	}
	if rec.UnitPrice != nil {
		resp.UnitPrice = rec.UnitPrice.StringFixed(2)
	}
	if rec.StartedAt != nil {
		resp.StartedAt = rec.StartedAt.UTC().Format(time.RFC3339)
	}
	if rec.EndedAt != nil {
		resp.EndedAt = rec.EndedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func isWebSocketOriginAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	parsedOrigin, err := url.Parse(origin)
	if err != nil || strings.TrimSpace(parsedOrigin.Host) == "" {
		return false
	}
	return strings.EqualFold(parsedOrigin.Host, r.Host)
}
