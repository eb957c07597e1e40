package timebank

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/timebank-sync/internal/models"
)

// fakeBackend is an in-memory REST backend for client and session tests.
type fakeBackend struct {
	mu       sync.Mutex
	convs    []models.Conversation
	pages    map[string]string
	balance  float64
	sendFail int
	sent     []string
	actions  []string
	requests []string
	auth     []string
	nextID   int
}

func newFakeBackend(t *testing.T, convs ...models.Conversation) (*fakeBackend, *httptest.Server) {
	t.Helper()

	b := &fakeBackend{
		convs:   convs,
		pages:   make(map[string]string),
		balance: 5,
		nextID:  1000,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/handshakes/conversations/{$}", b.listConversations)
	mux.HandleFunc("GET /api/users/me/{$}", b.me)
	mux.HandleFunc("GET /api/handshakes/{id}/{$}", b.getHandshake)
	mux.HandleFunc("GET /api/handshakes/{id}/messages/{$}", b.listMessages)
	mux.HandleFunc("POST /api/handshakes/{id}/messages/{$}", b.sendMessage)
	mux.HandleFunc("POST /api/handshakes/{id}/{action}/{$}", b.action)

	srv := httptest.NewServer(b.record(mux))
	t.Cleanup(srv.Close)

	return b, srv
}

func (b *fakeBackend) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.requests = append(b.requests, r.Method+" "+r.URL.RequestURI())
		b.auth = append(b.auth, r.Header.Get("Authorization"))
		b.mu.Unlock()

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (b *fakeBackend) listConversations(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	convs := b.convs
	if convs == nil {
		convs = []models.Conversation{}
	}

	writeJSON(w, http.StatusOK, convs)
}

func (b *fakeBackend) me(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"id": "u1", "timebank_balance": b.balance})
}

func (b *fakeBackend) getHandshake(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range b.convs {
		if c.HandshakeID == r.PathValue("id") {
			writeJSON(w, http.StatusOK, c)
			return
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not found."})
}

func (b *fakeBackend) listMessages(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	page, ok := b.pages[r.PathValue("id")+"|"+r.URL.Query().Get("cursor")]
	b.mu.Unlock()

	if !ok {
		page = `{"results":[],"next":null}`
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(page))
}

func (b *fakeBackend) sendMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Body string `json:"body"`
	}

	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "bad body"})
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sendFail != 0 {
		writeJSON(w, b.sendFail, map[string]string{"detail": "Message could not be delivered"})
		return
	}

	b.sent = append(b.sent, body.Body)
	b.nextID++

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":           b.nextID,
		"handshake_id": r.PathValue("id"),
		"sender_id":    "u1",
		"body":         body.Body,
		"created_at":   time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (b *fakeBackend) action(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.actions = append(b.actions, r.PathValue("id")+":"+r.PathValue("action"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (b *fakeBackend) setPage(handshakeID, cursor, page string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pages[handshakeID+"|"+cursor] = page
}

func (b *fakeBackend) setSendFail(status int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sendFail = status
}

func (b *fakeBackend) count(prefix string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0

	for _, r := range b.requests {
		if strings.HasPrefix(r, prefix) {
			n++
		}
	}

	return n
}

func (b *fakeBackend) sentBodies() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]string(nil), b.sent...)
}

// messagePageJSON renders msgs (newest first) as a history page.
func messagePageJSON(next string, msgs ...models.Message) string {
	type wire struct {
		ID        string `json:"id"`
		SenderID  string `json:"sender_id"`
		Body      string `json:"body"`
		CreatedAt string `json:"created_at"`
	}

	out := struct {
		Results []wire  `json:"results"`
		Next    *string `json:"next"`
	}{Results: []wire{}}

	for _, m := range msgs {
		out.Results = append(out.Results, wire{
			ID:        m.ID,
			SenderID:  m.SenderID,
			Body:      m.Body,
			CreatedAt: m.CreatedAt.Format(time.RFC3339Nano),
		})
	}

	if next != "" {
		out.Next = &next
	}

	data, err := json.Marshal(out)
	if err != nil {
		panic(fmt.Sprintf("encoding page: %v", err))
	}

	return string(data)
}
