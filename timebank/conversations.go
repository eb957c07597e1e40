package timebank

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	errs "github.com/alexjbarnes/timebank-sync/internal/errors"
	"github.com/alexjbarnes/timebank-sync/internal/models"
	"github.com/sahilm/fuzzy"
)

// DefaultMinRefreshGap is how long after an applied refresh further
// non-forced refreshes are held back and coalesced into one.
const DefaultMinRefreshGap = 2 * time.Second

// ConversationLister fetches the conversation collection. *Client
// satisfies it.
type ConversationLister interface {
	ListConversations(ctx context.Context) ([]models.Conversation, error)
}

// Synchronizer holds the conversation list and the current selection and
// keeps both in step with the server.
type Synchronizer struct {
	logger *slog.Logger
	api    ConversationLister
	minGap time.Duration
	now    func() time.Time

	// OnSelect, if set, is called outside the lock whenever a refresh
	// changes the selected handshake id (including to "").
	OnSelect func(handshakeID string)

	mu          sync.Mutex
	convs       []models.Conversation
	selected    string
	loaded      bool
	lastApplied time.Time

	// trailing is set while a non-forced refresh waits out the gap.
	trailing bool

	// gen invalidates in-flight refreshes. It moves on every new refresh
	// and every local edit; a result is applied only if gen is unchanged.
	gen    uint64
	cancel context.CancelFunc
}

// NewSynchronizer creates an empty synchronizer. A zero minGap selects
// DefaultMinRefreshGap.
func NewSynchronizer(api ConversationLister, minGap time.Duration, logger *slog.Logger) *Synchronizer {
	if minGap <= 0 {
		minGap = DefaultMinRefreshGap
	}

	return &Synchronizer{
		logger: logger,
		api:    api,
		minGap: minGap,
		now:    time.Now,
	}
}

// invalidateLocked supersedes any refresh in flight.
func (s *Synchronizer) invalidateLocked() {
	s.gen++

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Refresh fetches the full conversation collection and replaces the local
// set. Unless force is set, a call within the minimum gap of the last
// applied refresh waits until the gap has passed and then fetches; calls
// arriving while one is already waiting return at once and are served by
// it. A newer refresh or local edit supersedes this one; a superseded
// result is dropped and nil is returned.
func (s *Synchronizer) Refresh(ctx context.Context, force bool) error {
	s.mu.Lock()
	if !force && s.loaded {
		if wait := s.minGap - s.now().Sub(s.lastApplied); wait > 0 {
			if s.trailing {
				s.mu.Unlock()
				return nil
			}

			s.trailing = true
			s.mu.Unlock()

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
			}

			s.mu.Lock()
			s.trailing = false

			if ctx.Err() != nil {
				s.mu.Unlock()
				return nil
			}
		}
	}

	s.invalidateLocked()
	gen := s.gen
	fctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	convs, err := s.api.ListConversations(fctx)

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		cancel()
		s.logger.Debug("dropping superseded conversation refresh")

		return nil
	}

	s.cancel = nil
	cancel()

	if err != nil {
		s.mu.Unlock()

		if Classify(err) == KindCanceled {
			return nil
		}

		s.logger.Warn("conversation refresh failed, keeping last known list",
			slog.String("error", err.Error()),
		)

		return fmt.Errorf("refreshing conversations: %w", err)
	}

	before := s.selected
	s.applyLocked(convs)
	after := s.selected
	onSelect := s.OnSelect
	s.mu.Unlock()

	if before != after && onSelect != nil {
		onSelect(after)
	}

	return nil
}

// applyLocked replaces the set and re-binds the selection by id to the
// new record. A selection that vanished, or no selection at all, falls
// back to the most recent conversation.
func (s *Synchronizer) applyLocked(convs []models.Conversation) {
	sorted := slices.Clone(convs)
	slices.SortStableFunc(sorted, func(a, b models.Conversation) int {
		return b.LastActivity().Compare(a.LastActivity())
	})

	s.convs = sorted
	s.loaded = true
	s.lastApplied = s.now()

	if s.selected != "" && s.indexOf(s.selected) >= 0 {
		return
	}

	if s.selected != "" {
		s.logger.Info("selected conversation no longer listed",
			slog.String("handshake_id", s.selected),
		)
	}

	s.selected = ""
	if len(sorted) > 0 {
		s.selected = sorted[0].HandshakeID
	}
}

// Run refreshes on every tick of interval until ctx is done.
func (s *Synchronizer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.Refresh(ctx, false)
		}
	}
}

// Select makes handshakeID the current selection.
func (s *Synchronizer) Select(handshakeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexOf(handshakeID) < 0 {
		return fmt.Errorf("%w: %s", errs.ErrConversationNotFound, handshakeID)
	}

	s.selected = handshakeID

	return nil
}

// Selected returns a snapshot of the selected conversation.
func (s *Synchronizer) Selected() (models.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.selected == "" {
		return models.Conversation{}, false
	}

	i := s.indexOf(s.selected)
	if i < 0 {
		return models.Conversation{}, false
	}

	return s.convs[i].Clone(), true
}

// SelectedID returns the selected handshake id or "".
func (s *Synchronizer) SelectedID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.selected
}

// Get returns a snapshot of one conversation.
func (s *Synchronizer) Get(handshakeID string) (models.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(handshakeID)
	if i < 0 {
		return models.Conversation{}, false
	}

	return s.convs[i].Clone(), true
}

// Conversations returns snapshots of every conversation, most recent
// first.
func (s *Synchronizer) Conversations() []models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Conversation, len(s.convs))
	for i, c := range s.convs {
		out[i] = c.Clone()
	}

	return out
}

// Update applies fn to the stored record for handshakeID and returns the
// updated snapshot. It supersedes any refresh in flight so the local edit
// is not overwritten by an older server view.
func (s *Synchronizer) Update(handshakeID string, fn func(*models.Conversation)) (models.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(handshakeID)
	if i < 0 {
		return models.Conversation{}, false
	}

	s.invalidateLocked()
	fn(&s.convs[i])

	return s.convs[i].Clone(), true
}

// Put stores a server copy of one conversation, replacing the local
// record or adding it when unknown.
func (s *Synchronizer) Put(conv models.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.invalidateLocked()

	if i := s.indexOf(conv.HandshakeID); i >= 0 {
		s.convs[i] = conv.Clone()
		return
	}

	s.convs = append(s.convs, conv.Clone())
}

// NoteMessage bumps a conversation's last message so list order follows
// chat activity between refreshes.
func (s *Synchronizer) NoteMessage(msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(msg.HandshakeID)
	if i < 0 {
		return
	}

	if lm := s.convs[i].LastMessage; lm != nil && lm.CreatedAt.After(msg.CreatedAt) {
		return
	}

	s.convs[i].LastMessage = msg.Summary()
}

// Find looks conversations up by handshake id, counterpart name or
// service title. An exact id or name match wins; otherwise results are
// ranked by fuzzy score.
func (s *Synchronizer) Find(query string) []models.Conversation {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if i := s.indexOf(query); i >= 0 {
		return []models.Conversation{s.convs[i].Clone()}
	}

	var exact []models.Conversation

	for _, c := range s.convs {
		if strings.EqualFold(c.Counterpart.Name, query) || strings.EqualFold(c.Service.Title, query) {
			exact = append(exact, c.Clone())
		}
	}

	if len(exact) > 0 {
		return exact
	}

	matches := fuzzy.FindFrom(strings.ToLower(query), conversationSource(s.convs))
	slices.SortStableFunc(matches, func(a, b fuzzy.Match) int {
		return cmp.Compare(b.Score, a.Score)
	})

	out := make([]models.Conversation, 0, len(matches))
	for _, m := range matches {
		out = append(out, s.convs[m.Index].Clone())
	}

	return out
}

func (s *Synchronizer) indexOf(handshakeID string) int {
	return slices.IndexFunc(s.convs, func(c models.Conversation) bool {
		return c.HandshakeID == handshakeID
	})
}

type conversationSource []models.Conversation

func (c conversationSource) String(i int) string {
	return strings.ToLower(c[i].Counterpart.Name + " " + c[i].Service.Title)
}

func (c conversationSource) Len() int { return len(c) }
