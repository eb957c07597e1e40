package timebank

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	errs "github.com/alexjbarnes/timebank-sync/internal/errors"
	"github.com/alexjbarnes/timebank-sync/internal/models"
)

// DefaultRefreshInterval is the periodic conversation refresh interval.
const DefaultRefreshInterval = 15 * time.Second

var errEmptyMessage = errors.New("message is empty")

// SessionConfig configures a Session.
type SessionConfig struct {
	APIURL string
	WSURL  string
	Token  string
	UserID string

	RefreshInterval time.Duration
	MinRefreshGap   time.Duration
	PageSize        int

	// DisablePush keeps the session on REST only: no push connection is
	// opened and the log is kept current by polling.
	DisablePush bool

	// HTTPClient overrides the REST client's transport. Optional.
	HTTPClient *http.Client

	// Notifier receives user-facing notices. Optional.
	Notifier Notifier

	// OnConnState receives every push connection state change. Optional.
	OnConnState func(ConnState)

	// OnMessage is called after a pushed message for the selected
	// conversation was merged into the log. Optional.
	OnMessage func(models.Message)

	Logger *slog.Logger
}

// Session ties the engine together for one signed-in user: it owns the
// conversation list, the selection, the message log of the selected
// conversation, its push connection, and the handshake state machine.
// The selection lives here and is read at the point of use by every
// callback, never captured when the callback was created.
type Session struct {
	logger    *slog.Logger
	cfg       SessionConfig
	notify    Notifier
	client    *Client
	convs     *Synchronizer
	msgs      *Reconciler
	balance   *Balance
	machine   *Machine
	transport *Transport

	mu      sync.Mutex
	token   string
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	closed  bool
}

// NewSession wires the engine components for cfg. Nothing touches the
// network until Start.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.APIURL == "" || cfg.WSURL == "" {
		return nil, errors.New("session: API and push URLs are required")
	}

	if cfg.Token == "" {
		return nil, errs.ErrNotAuthenticated
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}

	notifier := cfg.Notifier
	if notifier == nil {
		notifier = discardNotifier{}
	}

	logger := cfg.Logger

	client := NewClient(cfg.APIURL, cfg.Token, cfg.HTTPClient)
	client.SetPageSize(cfg.PageSize)
	client.SetLogger(logger.With(slog.String("component", "client")))

	s := &Session{
		logger: logger,
		cfg:    cfg,
		notify: notifier,
		client: client,
		token:  cfg.Token,
	}

	s.convs = NewSynchronizer(client, cfg.MinRefreshGap, logger.With(slog.String("component", "conversations")))
	s.msgs = NewReconciler(client, logger.With(slog.String("component", "messages")))
	s.balance = NewBalance(client, logger.With(slog.String("component", "balance")))
	s.machine = NewMachine(client, s.convs, s.balance, notifier, logger.With(slog.String("component", "handshake")))
	s.transport = NewTransport(cfg.WSURL, TransportHandlers{
		OnMessage: s.handlePush,
		OnError:   s.handlePushError,
		OnState:   s.handleConnState,
	}, logger.With(slog.String("component", "transport")))

	s.convs.OnSelect = s.activate

	return s, nil
}

// Start loads conversations and the balance, binds the selection, and
// starts periodic refresh. Background work stops when ctx is done or
// Close is called. A failed initial load is returned, but the session
// keeps running and retries on the next trigger.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	s.mu.Unlock()

	if err := s.balance.Refresh(s.ctx); err != nil {
		s.logger.Warn("initial balance load failed", slog.String("error", err.Error()))
	}

	err := s.convs.Refresh(s.ctx, true)

	s.spawn(func(ctx context.Context) { s.convs.Run(ctx, s.cfg.RefreshInterval) })
	s.spawn(s.pollMessages)

	if err != nil {
		return fmt.Errorf("starting session: %w", err)
	}

	return nil
}

// Close cancels in-flight fetches, closes the push connection with the
// normal-closure code and waits for background work to finish.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	s.transport.Close()
	s.wg.Wait()

	// A refresh that finished during shutdown may have reopened it.
	s.transport.Close()
}

// spawn runs fn in the background under the session context.
func (s *Session) spawn(fn func(context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx == nil || s.closed {
		return
	}

	ctx := s.ctx
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		fn(ctx)
	}()
}

func (s *Session) currentToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.token
}

// activate binds the log and the push connection to handshakeID. It is a
// no-op if the selection moved on before it ran.
func (s *Session) activate(handshakeID string) {
	if s.convs.SelectedID() != handshakeID {
		return
	}

	s.msgs.Reset(handshakeID)

	if handshakeID == "" {
		s.transport.Close()
		return
	}

	s.mu.Lock()
	ctx, closed := s.ctx, s.closed
	s.mu.Unlock()

	if ctx == nil || closed {
		return
	}

	if !s.cfg.DisablePush {
		s.transport.Open(ctx, handshakeID, s.currentToken())
	}

	s.spawn(func(ctx context.Context) {
		if err := s.msgs.LoadInitial(ctx, handshakeID); err != nil && Classify(err) != KindCanceled {
			s.logger.Warn("loading history failed",
				slog.String("handshake_id", handshakeID),
				slog.String("error", err.Error()),
			)
		}
	})
}

// Select switches to another conversation. The message log and its
// pagination are discarded and the push connection is rebound.
func (s *Session) Select(handshakeID string) error {
	prev := s.convs.SelectedID()

	if err := s.convs.Select(handshakeID); err != nil {
		return err
	}

	if prev != handshakeID {
		s.activate(handshakeID)
	}

	return nil
}

// Selected returns the selected conversation.
func (s *Session) Selected() (models.Conversation, bool) {
	return s.convs.Selected()
}

// Conversations returns the conversation list, most recent first.
func (s *Session) Conversations() []models.Conversation {
	return s.convs.Conversations()
}

// Find looks up conversations by id, counterpart or service.
func (s *Session) Find(query string) []models.Conversation {
	return s.convs.Find(query)
}

// Messages returns the selected conversation's log, oldest first.
func (s *Session) Messages() []models.Message {
	return s.msgs.Messages()
}

// HasMore reports whether older history can be loaded.
func (s *Session) HasMore() bool {
	return s.msgs.HasMore()
}

// LoadHistory fetches the newest page of the selected conversation's
// history and waits for it, keeping messages already in the log.
func (s *Session) LoadHistory(ctx context.Context) error {
	handshakeID := s.convs.SelectedID()
	if handshakeID == "" {
		return errs.ErrNoSelection
	}

	return s.msgs.LoadInitial(ctx, handshakeID)
}

// LoadOlder loads the previous page of history.
func (s *Session) LoadOlder(ctx context.Context) error {
	err := s.msgs.LoadOlder(ctx)
	if err != nil && Classify(err) == KindCanceled {
		return nil
	}

	return err
}

// Refresh refreshes the conversation list.
func (s *Session) Refresh(ctx context.Context, force bool) error {
	return s.convs.Refresh(ctx, force)
}

// NotifyFocus tells the session the host window regained focus.
func (s *Session) NotifyFocus() {
	s.spawn(func(ctx context.Context) { _ = s.convs.Refresh(ctx, false) })
}

// NotifyVisible tells the session the host view became visible again.
func (s *Session) NotifyVisible() {
	s.spawn(func(ctx context.Context) { _ = s.convs.Refresh(ctx, false) })
}

// Balance returns the user's time balance and whether it is known.
func (s *Session) Balance() (float64, bool) {
	return s.balance.Value()
}

// Handshakes returns the state machine for handshake actions.
func (s *Session) Handshakes() *Machine {
	return s.machine
}

// ConnState returns the push connection state.
func (s *Session) ConnState() ConnState {
	return s.transport.State()
}

// UserID returns the signed-in user's id.
func (s *Session) UserID() string {
	return s.cfg.UserID
}

// Send posts text to the selected conversation. A temporary message is
// shown at once; the push channel is used when open and REST otherwise.
// On failure the temporary message is removed and a *SendError carrying
// text is returned so the caller can restore its input.
func (s *Session) Send(ctx context.Context, text string) (models.Message, error) {
	if strings.TrimSpace(text) == "" {
		return models.Message{}, &SendError{Text: text, Err: errEmptyMessage}
	}

	handshakeID := s.convs.SelectedID()
	if handshakeID == "" {
		return models.Message{}, &SendError{Text: text, Err: errs.ErrNoSelection}
	}

	tmp := s.msgs.AppendOptimistic(s.cfg.UserID, text)

	// The confirmed copy arrives as a push echo and replaces tmp.
	if s.transport.Send(ctx, text) {
		return tmp, nil
	}

	msg, err := s.client.SendMessage(ctx, handshakeID, text)
	if err != nil {
		s.msgs.Remove(tmp.ID)

		if kind := Classify(err); kind != KindCanceled {
			s.logger.Warn("sending message failed",
				slog.String("handshake_id", handshakeID),
				slog.String("kind", kind.String()),
				slog.String("error", err.Error()),
			)
			s.notify.Notify(Notice{
				Kind:        kind,
				HandshakeID: handshakeID,
				Message:     "Message not sent: " + userMessage(err),
			})
		}

		return models.Message{}, &SendError{Text: text, Err: err}
	}

	if msg.HandshakeID == "" {
		msg.HandshakeID = handshakeID
	}

	s.msgs.Reconcile(msg)
	s.convs.NoteMessage(msg)

	return msg, nil
}

// SetToken swaps the bearer token after a credential rotation and
// reconnects the push channel with it.
func (s *Session) SetToken(token string) {
	s.mu.Lock()
	if token == s.token {
		s.mu.Unlock()
		return
	}

	s.token = token
	ctx := s.ctx
	s.mu.Unlock()

	s.client.SetToken(token)

	handshakeID := s.convs.SelectedID()
	if handshakeID == "" || ctx == nil || s.cfg.DisablePush {
		return
	}

	s.logger.Info("credentials rotated, reconnecting push channel")
	s.transport.Close()
	s.transport.Open(ctx, handshakeID, token)
}

func (s *Session) handlePush(msg models.Message) {
	if msg.HandshakeID != s.convs.SelectedID() {
		s.logger.Debug("ignoring push for unselected conversation", slog.String("handshake_id", msg.HandshakeID))
		return
	}

	s.convs.NoteMessage(msg)

	if s.msgs.Reconcile(msg) && s.cfg.OnMessage != nil {
		s.cfg.OnMessage(msg)
	}

	// A message may follow a status change on the other side.
	s.spawn(func(ctx context.Context) { _ = s.convs.Refresh(ctx, false) })
}

func (s *Session) handlePushError(message string) {
	s.notify.Notify(Notice{
		Kind:        KindGeneric,
		HandshakeID: s.convs.SelectedID(),
		Message:     message,
	})
}

func (s *Session) handleConnState(st ConnState) {
	if st.Fatal {
		s.notify.Notify(Notice{
			Kind:        KindFatalTransport,
			HandshakeID: st.HandshakeID,
			Message:     "Live updates are unavailable. Messages will still be sent and refreshed periodically.",
		})
	}

	if s.cfg.OnConnState != nil {
		s.cfg.OnConnState(st)
	}
}

// pollMessages keeps the selected log current over REST while the push
// channel is not open.
func (s *Session) pollMessages(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if s.transport.Connected() {
			continue
		}

		if _, err := s.msgs.SyncLatest(ctx); err != nil && Classify(err) != KindCanceled {
			s.logger.Debug("polling messages failed", slog.String("error", err.Error()))
		}
	}
}
