package e2e_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/timebank-sync/internal/logging"
	"github.com/alexjbarnes/timebank-sync/internal/models"
	"github.com/alexjbarnes/timebank-sync/timebank"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

const (
	providerID = "u-prov"
	receiverID = "u-recv"

	eventually = 5 * time.Second
	tick       = 10 * time.Millisecond
)

// handshake is the server of record for one negotiation.
type handshake struct {
	id       string
	title    string
	provider string
	receiver string

	status            models.HandshakeStatus
	providerInitiated bool
	location          string
	duration          float64
	scheduled         *time.Time

	providerConfirmed bool
	receiverConfirmed bool
	reviewed          bool

	updated time.Time
}

// harness is an in-process marketplace backend: the REST API plus the
// per-handshake push endpoint, both served by one httptest server.
type harness struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	tokens   map[string]string
	names    map[string]string
	balances map[string]float64
	hs       map[string]*handshake
	messages map[string][]models.Message
	conns    map[string][]*websocket.Conn
	dials    map[string]int
	closes   map[string][]websocket.StatusCode
	nextID   int
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		t:        t,
		tokens:   map[string]string{"tok-prov": providerID, "tok-recv": receiverID},
		names:    map[string]string{providerID: "Pat", receiverID: "Robin"},
		balances: map[string]float64{providerID: 10, receiverID: 10},
		hs:       make(map[string]*handshake),
		messages: make(map[string][]models.Message),
		conns:    make(map[string][]*websocket.Conn),
		dials:    make(map[string]int),
		closes:   make(map[string][]websocket.StatusCode),
		nextID:   100,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/handshakes/conversations/{$}", h.authed(h.listConversations))
	mux.HandleFunc("GET /api/users/me/{$}", h.authed(h.me))
	mux.HandleFunc("GET /api/handshakes/{id}/{$}", h.authed(h.getHandshake))
	mux.HandleFunc("GET /api/handshakes/{id}/messages/{$}", h.authed(h.listMessages))
	mux.HandleFunc("POST /api/handshakes/{id}/messages/{$}", h.authed(h.postMessage))
	mux.HandleFunc("POST /api/handshakes/{id}/{action}/{$}", h.authed(h.action))
	mux.HandleFunc("GET /ws/chat/{id}/{$}", h.push)

	h.srv = httptest.NewServer(mux)
	t.Cleanup(h.srv.Close)

	return h
}

// addHandshake registers a pending handshake between the two test users.
func (h *harness) addHandshake(id, title string, age time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.hs[id] = &handshake{
		id:       id,
		title:    title,
		provider: providerID,
		receiver: receiverID,
		status:   models.StatusPending,
		updated:  time.Now().UTC().Add(-age),
	}
}

// session starts a session for the user holding token and closes it when
// the test ends.
func (h *harness) session(t *testing.T, token string, onMessage func(models.Message), notices func(timebank.Notice)) *timebank.Session {
	t.Helper()

	if notices == nil {
		notices = func(timebank.Notice) {}
	}

	h.mu.Lock()
	userID := h.tokens[token]
	h.mu.Unlock()

	s, err := timebank.NewSession(timebank.SessionConfig{
		APIURL:          h.srv.URL,
		WSURL:           "ws" + strings.TrimPrefix(h.srv.URL, "http"),
		Token:           token,
		UserID:          userID,
		RefreshInterval: time.Hour,
		PageSize:        20,
		HTTPClient:      h.srv.Client(),
		Notifier:        timebank.NotifierFunc(notices),
		OnMessage:       onMessage,
		Logger:          logging.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)

	require.NoError(t, s.Start(t.Context()))

	return s
}

func (h *harness) dialCount(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.dials[id]
}

func (h *harness) openConns(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.conns[id])
}

func (h *harness) closeCodes(id string) []websocket.StatusCode {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]websocket.StatusCode(nil), h.closes[id]...)
}

func (h *harness) storedMessages(id string) []models.Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]models.Message(nil), h.messages[id]...)
}

func (h *harness) balance(userID string) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.balances[userID]
}

// dropConnections closes every push connection for id with an abnormal
// code, as a restarting server would.
func (h *harness) dropConnections(id string) {
	h.mu.Lock()
	conns := h.conns[id]
	h.conns[id] = nil
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.Close(websocket.StatusGoingAway, "restarting")
	}
}

// sendAs stores a message from userID and pushes it to every connection
// bound to the handshake.
func (h *harness) sendAs(userID, id, body string) models.Message {
	h.mu.Lock()
	msg := h.storeLocked(userID, id, body)
	conns := append([]*websocket.Conn(nil), h.conns[id]...)
	h.mu.Unlock()

	h.broadcast(conns, msg)

	return msg
}

func (h *harness) storeLocked(userID, id, body string) models.Message {
	h.nextID++

	msg := models.Message{
		ID:          strconv.Itoa(h.nextID),
		HandshakeID: id,
		SenderID:    userID,
		Body:        body,
		CreatedAt:   time.Now().UTC(),
	}

	h.messages[id] = append(h.messages[id], msg)

	if hs, ok := h.hs[id]; ok {
		hs.updated = msg.CreatedAt
	}

	return msg
}

func (h *harness) broadcast(conns []*websocket.Conn, msg models.Message) {
	data, err := json.Marshal(map[string]any{"type": "chat_message", "message": msg})
	if err != nil {
		return
	}

	for _, c := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = c.Write(ctx, websocket.MessageText, data)
		cancel()
	}
}

type userHandler func(w http.ResponseWriter, r *http.Request, userID string)

func (h *harness) authed(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

		h.mu.Lock()
		userID, ok := h.tokens[token]
		h.mu.Unlock()

		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication credentials were not provided."})
			return
		}

		next(w, r, userID)
	}
}

func (h *harness) view(hs *handshake, userID string) models.Conversation {
	other := hs.receiver
	if userID == hs.receiver {
		other = hs.provider
	}

	conv := models.Conversation{
		HandshakeID:               hs.id,
		Counterpart:               models.Party{ID: other, Name: h.names[other]},
		Service:                   models.ServiceRef{ID: "svc-" + hs.id, Title: hs.title},
		Status:                    hs.status,
		IsProvider:                userID == hs.provider,
		ExactLocation:             hs.location,
		ExactDuration:             hs.duration,
		ScheduledTime:             hs.scheduled,
		ProviderConfirmedComplete: hs.providerConfirmed,
		ReceiverConfirmedComplete: hs.receiverConfirmed,
		ProviderInitiated:         hs.providerInitiated,
		UserHasReviewed:           userID == hs.receiver && hs.reviewed,
		UpdatedAt:                 hs.updated,
	}

	if msgs := h.messages[hs.id]; len(msgs) > 0 {
		conv.LastMessage = msgs[len(msgs)-1].Summary()
	}

	return conv
}

func (h *harness) party(r *http.Request, userID string) (*handshake, bool) {
	hs, ok := h.hs[r.PathValue("id")]
	if !ok || (hs.provider != userID && hs.receiver != userID) {
		return nil, false
	}

	return hs, true
}

func (h *harness) listConversations(w http.ResponseWriter, _ *http.Request, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := []models.Conversation{}

	for _, hs := range h.hs {
		if hs.provider == userID || hs.receiver == userID {
			out = append(out, h.view(hs, userID))
		}
	}

	writeJSON(w, http.StatusOK, out)
}

func (h *harness) me(w http.ResponseWriter, _ *http.Request, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"id": userID, "timebank_balance": h.balances[userID]})
}

func (h *harness) getHandshake(w http.ResponseWriter, r *http.Request, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	hs, ok := h.party(r, userID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not found."})
		return
	}

	writeJSON(w, http.StatusOK, h.view(hs, userID))
}

func (h *harness) listMessages(w http.ResponseWriter, r *http.Request, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.party(r, userID); !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not found."})
		return
	}

	msgs := h.messages[r.PathValue("id")]
	results := make([]models.Message, 0, len(msgs))

	for i := len(msgs) - 1; i >= 0; i-- {
		results = append(results, msgs[i])
	}

	writeJSON(w, http.StatusOK, map[string]any{"results": results, "next": nil})
}

func (h *harness) postMessage(w http.ResponseWriter, r *http.Request, userID string) {
	var body struct {
		Body string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Body) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "Message body is required."})
		return
	}

	h.mu.Lock()

	if _, ok := h.party(r, userID); !ok {
		h.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not found."})

		return
	}

	id := r.PathValue("id")
	msg := h.storeLocked(userID, id, body.Body)
	conns := append([]*websocket.Conn(nil), h.conns[id]...)
	h.mu.Unlock()

	h.broadcast(conns, msg)
	writeJSON(w, http.StatusCreated, msg)
}

// action applies a handshake transition with the server's own role and
// state checks.
func (h *harness) action(w http.ResponseWriter, r *http.Request, userID string) {
	var payload struct {
		ExactLocation string    `json:"exact_location"`
		ExactDuration float64   `json:"exact_duration"`
		ScheduledTime time.Time `json:"scheduled_time"`
	}
	_ = json.NewDecoder(r.Body).Decode(&payload)

	h.mu.Lock()
	defer h.mu.Unlock()

	hs, ok := h.party(r, userID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not found."})
		return
	}

	isProvider := userID == hs.provider

	deny := func(status int, detail string) {
		writeJSON(w, status, map[string]string{"detail": detail})
	}

	switch r.PathValue("action") {
	case "initiate":
		if !isProvider {
			deny(http.StatusForbidden, "Only the provider can initiate.")
			return
		}

		if hs.status != models.StatusPending {
			deny(http.StatusBadRequest, "Handshake is not pending.")
			return
		}

		scheduled := payload.ScheduledTime
		hs.providerInitiated = true
		hs.location = payload.ExactLocation
		hs.duration = payload.ExactDuration
		hs.scheduled = &scheduled

	case "approve":
		if isProvider {
			deny(http.StatusForbidden, "Only the receiver can approve.")
			return
		}

		if hs.status != models.StatusPending {
			deny(http.StatusBadRequest, "Handshake is not pending.")
			return
		}

		hs.status = models.StatusAccepted
		h.balances[hs.receiver] -= hs.duration

	case "request-changes":
		hs.providerInitiated = false

	case "decline":
		if hs.status != models.StatusPending {
			deny(http.StatusBadRequest, "Handshake is no longer pending.")
			return
		}

		hs.status = models.StatusDenied

	case "cancel":
		if hs.status != models.StatusPending {
			deny(http.StatusBadRequest, "Handshake is no longer pending.")
			return
		}

		hs.status = models.StatusCancelled

	case "confirm":
		if hs.status != models.StatusAccepted {
			deny(http.StatusBadRequest, "Handshake is not accepted.")
			return
		}

		if isProvider {
			hs.providerConfirmed = true
		} else {
			hs.receiverConfirmed = true
		}

		if hs.providerConfirmed && hs.receiverConfirmed {
			hs.status = models.StatusCompleted
			h.balances[hs.provider] += hs.duration
		}

	case "reputation":
		if hs.reviewed {
			deny(http.StatusBadRequest, "You have already reviewed this handshake.")
			return
		}

		hs.reviewed = true

	default:
		deny(http.StatusNotFound, "Unknown action.")
		return
	}

	hs.updated = time.Now().UTC()
	writeJSON(w, http.StatusOK, map[string]string{"status": string(hs.status)})
}

// push serves the per-handshake WebSocket. The token arrives as a query
// parameter; chat frames from a client are stored and fanned out to every
// connection on the handshake, the sender included.
func (h *harness) push(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	h.mu.Lock()
	userID, ok := h.tokens[r.URL.Query().Get("token")]
	h.dials[id]++
	h.mu.Unlock()

	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	h.mu.Lock()
	h.conns[id] = append(h.conns[id], conn)
	h.mu.Unlock()

	defer h.forget(id, conn)

	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			h.mu.Lock()
			h.closes[id] = append(h.closes[id], websocket.CloseStatus(err))
			h.mu.Unlock()

			return
		}

		var frame struct {
			Type string `json:"type"`
			Body string `json:"body"`
		}
		if json.Unmarshal(data, &frame) != nil || frame.Type != "chat_message" {
			continue
		}

		h.sendAs(userID, id, frame.Body)
	}
}

func (h *harness) forget(id string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns := h.conns[id]
	for i, c := range conns {
		if c == conn {
			h.conns[id] = append(conns[:i:i], conns[i+1:]...)
			break
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// recorder collects callback values from engine goroutines.
type recorder[T any] struct {
	mu    sync.Mutex
	items []T
}

func (r *recorder[T]) add(v T) {
	r.mu.Lock()
	r.items = append(r.items, v)
	r.mu.Unlock()
}

func (r *recorder[T]) all() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]T(nil), r.items...)
}

func bodies(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Body
	}

	return out
}
