package timebank

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/timebank-sync/internal/models"
	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

const (
	// tempMatchWindow is how far apart a temporary message and its
	// confirmed copy may be stamped and still be treated as the same send.
	tempMatchWindow = 10 * time.Second

	// duplicateWindow catches the same message delivered twice under
	// different ids (REST response and push echo).
	duplicateWindow = 2 * time.Second
)

// MessageLister fetches history pages. *Client satisfies it.
type MessageLister interface {
	ListMessages(ctx context.Context, handshakeID, cursor string) (*MessagePage, error)
}

// Reconciler keeps the ordered message log of the selected conversation
// and merges optimistic, REST and pushed messages into it.
type Reconciler struct {
	logger *slog.Logger
	api    MessageLister
	now    func() time.Time

	mu          sync.Mutex
	handshakeID string
	log         []models.Message
	next        string
	hasMore     bool
	loading     bool

	// gen is bumped on every Reset. Page results carry the gen they were
	// requested under and are dropped if it moved on.
	gen      uint64
	seq      int
	inflight map[int]context.CancelFunc
}

// NewReconciler creates an empty reconciler.
func NewReconciler(api MessageLister, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		logger:   logger,
		api:      api,
		now:      time.Now,
		inflight: make(map[int]context.CancelFunc),
	}
}

// Reset discards the log and pagination and binds the reconciler to
// handshakeID. Page loads still in flight are cancelled and their results
// ignored.
func (r *Reconciler) Reset(handshakeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.resetLocked(handshakeID)
}

func (r *Reconciler) resetLocked(handshakeID string) {
	r.gen++

	for id, cancel := range r.inflight {
		cancel()
		delete(r.inflight, id)
	}

	r.handshakeID = handshakeID
	r.log = nil
	r.next = ""
	r.hasMore = false
	r.loading = false
}

// begin registers a fetch under the current generation.
func (r *Reconciler) begin(ctx context.Context) (context.Context, uint64, func()) {
	fctx, cancel := context.WithCancel(ctx)

	r.seq++
	id := r.seq
	r.inflight[id] = cancel

	done := func() {
		cancel()

		r.mu.Lock()
		delete(r.inflight, id)
		r.mu.Unlock()
	}

	return fctx, r.gen, done
}

// LoadInitial resets the log to handshakeID and fetches the newest page
// of history. Messages reconciled while the page was loading (an early
// push or optimistic send) are merged into the result.
func (r *Reconciler) LoadInitial(ctx context.Context, handshakeID string) error {
	r.mu.Lock()
	if r.handshakeID != handshakeID {
		r.resetLocked(handshakeID)
	}

	r.loading = true
	fctx, gen, done := r.begin(ctx)
	r.mu.Unlock()

	page, err := r.api.ListMessages(fctx, handshakeID, "")
	done()

	r.mu.Lock()
	defer r.mu.Unlock()

	if gen != r.gen {
		r.logger.Debug("dropping stale history page", slog.String("handshake_id", handshakeID))
		return nil
	}

	r.loading = false

	if err != nil {
		return fmt.Errorf("loading messages for %s: %w", handshakeID, err)
	}

	early := r.log
	r.log = reversed(page.Results)
	r.next = page.Next
	r.hasMore = page.Next != ""

	for _, m := range early {
		r.reconcileLocked(m)
	}

	return nil
}

// LoadOlder fetches the next page of history and prepends it. It is a
// no-op while another load is running or when no pages are left.
// Entries already in the log keep their order.
func (r *Reconciler) LoadOlder(ctx context.Context) error {
	r.mu.Lock()
	if r.loading || !r.hasMore || r.next == "" {
		r.mu.Unlock()
		return nil
	}

	r.loading = true
	handshakeID, cursor := r.handshakeID, r.next
	fctx, gen, done := r.begin(ctx)
	r.mu.Unlock()

	page, err := r.api.ListMessages(fctx, handshakeID, cursor)
	done()

	r.mu.Lock()
	defer r.mu.Unlock()

	if gen != r.gen {
		r.logger.Debug("dropping stale history page", slog.String("handshake_id", handshakeID))
		return nil
	}

	r.loading = false

	if err != nil {
		return fmt.Errorf("loading older messages for %s: %w", handshakeID, err)
	}

	older := make([]models.Message, 0, len(page.Results))

	for _, m := range reversed(page.Results) {
		if r.indexOf(m.ID) < 0 {
			older = append(older, m)
		}
	}

	r.log = append(older, r.log...)
	r.next = page.Next
	r.hasMore = page.Next != ""

	return nil
}

// SyncLatest fetches the newest page and reconciles it into the log
// without touching pagination. It keeps the log current by polling when
// the push channel is unavailable, and returns how many messages were
// added.
func (r *Reconciler) SyncLatest(ctx context.Context) (int, error) {
	r.mu.Lock()
	handshakeID := r.handshakeID
	if handshakeID == "" {
		r.mu.Unlock()
		return 0, nil
	}

	fctx, gen, done := r.begin(ctx)
	r.mu.Unlock()

	page, err := r.api.ListMessages(fctx, handshakeID, "")
	done()

	r.mu.Lock()
	defer r.mu.Unlock()

	if gen != r.gen {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("polling messages for %s: %w", handshakeID, err)
	}

	added := 0

	for _, m := range reversed(page.Results) {
		if m.HandshakeID != "" && m.HandshakeID != handshakeID {
			continue
		}

		m.HandshakeID = handshakeID

		if r.reconcileLocked(m) {
			added++
		}
	}

	return added, nil
}

// AppendOptimistic adds a temporary message at the tail of the log and
// returns it. The caller removes it with Remove if the send fails.
func (r *Reconciler) AppendOptimistic(senderID, text string) models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg := models.Message{
		ID:          models.TempIDPrefix + uuid.NewString(),
		HandshakeID: r.handshakeID,
		SenderID:    senderID,
		Body:        text,
		CreatedAt:   r.now(),
	}

	r.log = append(r.log, msg)

	return msg
}

// Reconcile merges a server-confirmed message into the log and reports
// whether the log changed. Messages for another handshake are rejected.
func (r *Reconciler) Reconcile(incoming models.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.handshakeID == "" || (incoming.HandshakeID != "" && incoming.HandshakeID != r.handshakeID) {
		return false
	}

	if incoming.HandshakeID == "" {
		incoming.HandshakeID = r.handshakeID
	}

	return r.reconcileLocked(incoming)
}

func (r *Reconciler) reconcileLocked(incoming models.Message) bool {
	if r.indexOf(incoming.ID) >= 0 {
		return false
	}

	if !incoming.Temporary() {
		for i, m := range r.log {
			if m.Temporary() && sameSend(m, incoming, tempMatchWindow) {
				r.log[i] = incoming
				return true
			}
		}
	}

	for _, m := range r.log {
		if sameSend(m, incoming, duplicateWindow) {
			r.logger.Debug("dropping duplicate delivery",
				slog.String("id", incoming.ID),
				slog.String("matched", m.ID),
			)

			return false
		}
	}

	// Insert after every message stamped at or before the incoming one.
	i, _ := slices.BinarySearchFunc(r.log, incoming.CreatedAt, func(m models.Message, t time.Time) int {
		if m.CreatedAt.After(t) {
			return 1
		}

		return -1
	})
	r.log = slices.Insert(r.log, i, incoming)

	return true
}

// Remove deletes a message by id, typically a temporary message whose
// send failed.
func (r *Reconciler) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(id)
	if i < 0 {
		return false
	}

	r.log = slices.Delete(r.log, i, i+1)

	return true
}

// Messages returns a copy of the log, oldest first.
func (r *Reconciler) Messages() []models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Clone(r.log)
}

// Len returns the number of messages in the log.
func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.log)
}

// HasMore reports whether older pages remain.
func (r *Reconciler) HasMore() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.hasMore
}

// Loading reports whether a page load is running.
func (r *Reconciler) Loading() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.loading
}

// HandshakeID returns the handshake the log belongs to.
func (r *Reconciler) HandshakeID() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.handshakeID
}

func (r *Reconciler) indexOf(id string) int {
	return slices.IndexFunc(r.log, func(m models.Message) bool { return m.ID == id })
}

// sameSend reports whether a and b look like the same user send: same
// sender, same text after normalization, stamped within window.
func sameSend(a, b models.Message, window time.Duration) bool {
	if a.SenderID != b.SenderID {
		return false
	}

	if normalizeBody(a.Body) != normalizeBody(b.Body) {
		return false
	}

	d := a.CreatedAt.Sub(b.CreatedAt)
	if d < 0 {
		d = -d
	}

	return d <= window
}

// normalizeBody folds composed and decomposed forms together and ignores
// surrounding whitespace the server may trim.
func normalizeBody(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// reversed returns a reversed copy of newest-first wire order.
func reversed(in []models.Message) []models.Message {
	out := slices.Clone(in)
	slices.Reverse(out)

	return out
}
