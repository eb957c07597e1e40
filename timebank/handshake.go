package timebank

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	errs "github.com/alexjbarnes/timebank-sync/internal/errors"
	"github.com/alexjbarnes/timebank-sync/internal/models"
)

// Action is a handshake transition a party can request.
type Action string

const (
	ActionInitiate          Action = "initiate"
	ActionApprove           Action = "approve"
	ActionRequestChanges    Action = "request_changes"
	ActionDecline           Action = "decline"
	ActionCancel            Action = "cancel"
	ActionConfirmCompletion Action = "confirm_completion"
	ActionSubmitReputation  Action = "submit_reputation"
)

// ErrActionInFlight is returned when the same action on the same
// handshake is submitted again before the first request finished.
var ErrActionInFlight = errors.New("action already in progress")

// transition is one row of the table: action is allowed for role (empty
// means either party) while the conversation is in status and guard, if
// any, holds.
type transition struct {
	action Action
	role   models.Role
	status models.HandshakeStatus
	guard  func(models.Conversation) bool
}

// transitions is the single source of truth for which actions exist in
// which state. Allowed and every Machine operation read it.
var transitions = []transition{
	{
		action: ActionInitiate,
		role:   models.RoleProvider,
		status: models.StatusPending,
		guard:  func(c models.Conversation) bool { return !c.ProviderInitiated },
	},
	{
		action: ActionApprove,
		role:   models.RoleReceiver,
		status: models.StatusPending,
		guard:  func(c models.Conversation) bool { return c.ProviderInitiated },
	},
	{
		action: ActionRequestChanges,
		role:   models.RoleReceiver,
		status: models.StatusPending,
		guard:  func(c models.Conversation) bool { return c.ProviderInitiated },
	},
	{
		action: ActionDecline,
		role:   models.RoleReceiver,
		status: models.StatusPending,
	},
	{
		action: ActionCancel,
		status: models.StatusPending,
	},
	{
		action: ActionConfirmCompletion,
		status: models.StatusAccepted,
		guard:  func(c models.Conversation) bool { return !c.SelfConfirmed() },
	},
	{
		action: ActionSubmitReputation,
		role:   models.RoleReceiver,
		status: models.StatusCompleted,
		guard:  func(c models.Conversation) bool { return !c.UserHasReviewed },
	},
}

func (t transition) matches(c models.Conversation) bool {
	if t.role != "" && t.role != c.Role() {
		return false
	}

	if t.status != c.Status {
		return false
	}

	return t.guard == nil || t.guard(c)
}

// Allowed returns the actions the viewing party may take on c, in table
// order.
func Allowed(c models.Conversation) []Action {
	var out []Action

	for _, t := range transitions {
		if t.matches(c) {
			out = append(out, t.action)
		}
	}

	return out
}

// IsAllowed reports whether action is currently allowed on c.
func IsAllowed(c models.Conversation, action Action) bool {
	for _, t := range transitions {
		if t.action == action && t.matches(c) {
			return true
		}
	}

	return false
}

// checkAllowed explains why action is not allowed. A row that would match
// for the other party is a permission problem; anything else means the
// local view does not permit the action right now.
func checkAllowed(c models.Conversation, action Action) error {
	if IsAllowed(c, action) {
		return nil
	}

	for _, t := range transitions {
		if t.action != action || t.role == "" || t.role == c.Role() {
			continue
		}

		other := c
		other.IsProvider = t.role == models.RoleProvider

		if t.matches(other) {
			return &ActionError{
				Action:  action,
				Kind:    KindPermission,
				Message: fmt.Sprintf("only the %s can %s this handshake", t.role, humanAction(action)),
			}
		}
	}

	return &ActionError{
		Action:  action,
		Kind:    KindInvalidState,
		Message: fmt.Sprintf("cannot %s a %s handshake in its current state", humanAction(action), c.Status),
	}
}

func humanAction(a Action) string {
	switch a {
	case ActionRequestChanges:
		return "request changes on"
	case ActionConfirmCompletion:
		return "confirm completion of"
	case ActionSubmitReputation:
		return "review"
	}

	return string(a)
}

// HandshakeAPI is the REST surface the state machine drives. *Client
// satisfies it.
type HandshakeAPI interface {
	GetHandshake(ctx context.Context, handshakeID string) (models.Conversation, error)
	Initiate(ctx context.Context, handshakeID string, details models.InitiateDetails) error
	Approve(ctx context.Context, handshakeID string) error
	RequestChanges(ctx context.Context, handshakeID string) error
	Decline(ctx context.Context, handshakeID string) error
	Cancel(ctx context.Context, handshakeID string) error
	ConfirmCompletion(ctx context.Context, handshakeID string) error
	SubmitReputation(ctx context.Context, handshakeID string, rep models.Reputation) error
}

type inflightKey struct {
	handshakeID string
	action      Action
}

// Machine runs role-gated handshake transitions against the server,
// applying optimistic local effects and rolling them back on failure.
type Machine struct {
	logger  *slog.Logger
	api     HandshakeAPI
	convs   *Synchronizer
	balance *Balance
	notify  Notifier

	// OnConflict, if set, is called when the server reports a scheduling
	// conflict. conv is the server's current copy of the handshake.
	OnConflict func(conv models.Conversation, err *ActionError)

	mu       sync.Mutex
	inflight map[inflightKey]struct{}
}

// NewMachine creates a state machine over the synchronizer's
// conversations. notifier may be nil.
func NewMachine(api HandshakeAPI, convs *Synchronizer, balance *Balance, notifier Notifier, logger *slog.Logger) *Machine {
	if notifier == nil {
		notifier = discardNotifier{}
	}

	return &Machine{
		logger:   logger,
		api:      api,
		convs:    convs,
		balance:  balance,
		notify:   notifier,
		inflight: make(map[inflightKey]struct{}),
	}
}

// InFlight reports whether action is outstanding for handshakeID, so a UI
// can disable the control.
func (m *Machine) InFlight(handshakeID string, action Action) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.inflight[inflightKey{handshakeID, action}]

	return ok
}

func (m *Machine) begin(handshakeID string, action Action) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := inflightKey{handshakeID, action}
	if _, ok := m.inflight[key]; ok {
		return false
	}

	m.inflight[key] = struct{}{}

	return true
}

func (m *Machine) end(handshakeID string, action Action) {
	m.mu.Lock()
	delete(m.inflight, inflightKey{handshakeID, action})
	m.mu.Unlock()
}

// plan describes one transition: the optimistic steps to apply before the
// round trip, the round trip itself, and what to do after it succeeds.
type plan struct {
	steps     []step
	remote    func(context.Context) error
	onSuccess func(context.Context)
}

func (m *Machine) run(ctx context.Context, handshakeID string, action Action, build func(models.Conversation) (plan, error)) error {
	if !m.begin(handshakeID, action) {
		return ErrActionInFlight
	}
	defer m.end(handshakeID, action)

	conv, ok := m.convs.Get(handshakeID)
	if !ok {
		return fmt.Errorf("%w: %s", errs.ErrConversationNotFound, handshakeID)
	}

	if err := checkAllowed(conv, action); err != nil {
		return err
	}

	p, err := build(conv)
	if err != nil {
		return err
	}

	logger := m.logger.With(
		slog.String("handshake_id", handshakeID),
		slog.String("action", string(action)),
	)

	if err := optimistic(ctx, p.steps, p.remote); err != nil {
		return m.fail(ctx, logger, handshakeID, action, err)
	}

	logger.Info("handshake action applied")

	if p.onSuccess != nil {
		p.onSuccess(ctx)
	}

	return nil
}

// fail maps a failed round trip onto the error taxonomy. Local optimistic
// effects have already been reverted.
func (m *Machine) fail(ctx context.Context, logger *slog.Logger, handshakeID string, action Action, err error) error {
	kind := Classify(err)

	switch kind {
	case KindCanceled:
		logger.Debug("handshake action canceled")
		return err

	case KindAlreadyExists:
		logger.Info("handshake action already applied on server, syncing")
		m.resync(ctx, logger, handshakeID)
		m.refreshBalance(ctx, logger)

		return nil

	case KindConflict:
		ae := &ActionError{Action: action, Kind: kind, Message: userMessage(err), Err: err}
		logger.Warn("handshake action conflicts", slog.String("error", err.Error()))

		conv := m.resync(ctx, logger, handshakeID)
		m.notify.Notify(Notice{Kind: kind, HandshakeID: handshakeID, Action: action, Message: ae.Message})

		if m.OnConflict != nil {
			m.OnConflict(conv, ae)
		}

		return ae

	case KindInvalidState:
		logger.Warn("handshake view is stale, resyncing", slog.String("error", err.Error()))

		if rerr := m.convs.Refresh(ctx, true); rerr != nil {
			logger.Debug("forced refresh failed", slog.String("error", rerr.Error()))
		}

		m.resync(ctx, logger, handshakeID)
		m.notify.Notify(Notice{
			Kind:        kind,
			HandshakeID: handshakeID,
			Action:      action,
			Message:     "This handshake changed on the server and has been refreshed.",
		})

		return &ActionError{Action: action, Kind: kind, Message: userMessage(err), Err: err}
	}

	ae := &ActionError{Action: action, Kind: kind, Message: userMessage(err), Err: err}

	logger.Warn("handshake action failed",
		slog.String("kind", kind.String()),
		slog.String("error", err.Error()),
	)
	m.notify.Notify(Notice{Kind: kind, HandshakeID: handshakeID, Action: action, Message: ae.Message})

	return ae
}

// resync replaces the local record with the server's copy and returns the
// best copy available.
func (m *Machine) resync(ctx context.Context, logger *slog.Logger, handshakeID string) models.Conversation {
	conv, err := m.api.GetHandshake(ctx, handshakeID)
	if err != nil {
		logger.Warn("resyncing handshake failed", slog.String("error", err.Error()))

		local, _ := m.convs.Get(handshakeID)

		return local
	}

	m.convs.Put(conv)

	return conv
}

func (m *Machine) refreshBalance(ctx context.Context, logger *slog.Logger) {
	if m.balance == nil {
		return
	}

	if err := m.balance.Refresh(ctx); err != nil {
		logger.Warn("balance refresh failed", slog.String("error", err.Error()))
	}
}

// update edits the local record, ignoring handshakes that disappeared.
func (m *Machine) update(handshakeID string, fn func(*models.Conversation)) {
	m.convs.Update(handshakeID, fn)
}

// setStatus moves the local record forward only along legal edges.
func setStatus(c *models.Conversation, to models.HandshakeStatus) {
	if models.CanAdvance(c.Status, to) {
		c.Status = to
	}
}

// Initiate submits the provider's details. The provider's balance is
// debited by the proposed duration before the round trip and restored if
// it fails.
func (m *Machine) Initiate(ctx context.Context, handshakeID string, details models.InitiateDetails) error {
	return m.run(ctx, handshakeID, ActionInitiate, func(prev models.Conversation) (plan, error) {
		if details.ExactDuration <= 0 {
			return plan{}, &ActionError{Action: ActionInitiate, Kind: KindValidation, Message: "duration must be greater than zero"}
		}

		if details.ExactLocation == "" {
			return plan{}, &ActionError{Action: ActionInitiate, Kind: KindValidation, Message: "location is required"}
		}

		if details.ScheduledTime.IsZero() {
			return plan{}, &ActionError{Action: ActionInitiate, Kind: KindValidation, Message: "scheduled time is required"}
		}

		scheduled := details.ScheduledTime

		steps := []step{{
			apply: func() {
				m.update(handshakeID, func(c *models.Conversation) {
					c.ProviderInitiated = true
					c.ExactLocation = details.ExactLocation
					c.ExactDuration = details.ExactDuration
					c.ScheduledTime = &scheduled
				})
			},
			revert: func() {
				m.update(handshakeID, func(c *models.Conversation) {
					c.ProviderInitiated = prev.ProviderInitiated
					c.ExactLocation = prev.ExactLocation
					c.ExactDuration = prev.ExactDuration
					c.ScheduledTime = prev.Clone().ScheduledTime
				})
			},
		}}

		if m.balance != nil {
			var hold Hold

			steps = append(steps, step{
				apply: func() { hold = m.balance.Hold(-details.ExactDuration) },
				revert: func() {
					if !m.balance.Release(hold) {
						m.logger.Debug("balance refreshed during initiate, keeping server value",
							slog.String("handshake_id", handshakeID),
						)
					}
				},
			})
		}

		return plan{
			steps: steps,
			remote: func(ctx context.Context) error {
				return m.api.Initiate(ctx, handshakeID, details)
			},
		}, nil
	})
}

// Approve accepts the provider's details. The status moves to accepted
// once the server agrees, and the balance is reloaded because the debit is
// computed server-side.
func (m *Machine) Approve(ctx context.Context, handshakeID string) error {
	return m.run(ctx, handshakeID, ActionApprove, func(models.Conversation) (plan, error) {
		return plan{
			remote: func(ctx context.Context) error {
				return m.api.Approve(ctx, handshakeID)
			},
			onSuccess: func(ctx context.Context) {
				m.update(handshakeID, func(c *models.Conversation) { setStatus(c, models.StatusAccepted) })
				m.refreshBalance(ctx, m.logger.With(slog.String("handshake_id", handshakeID)))
			},
		}, nil
	})
}

// RequestChanges hands the negotiation back to the provider.
func (m *Machine) RequestChanges(ctx context.Context, handshakeID string) error {
	return m.run(ctx, handshakeID, ActionRequestChanges, func(models.Conversation) (plan, error) {
		return plan{
			steps: []step{{
				apply: func() {
					m.update(handshakeID, func(c *models.Conversation) { c.ProviderInitiated = false })
				},
				revert: func() {
					m.update(handshakeID, func(c *models.Conversation) { c.ProviderInitiated = true })
				},
			}},
			remote: func(ctx context.Context) error {
				return m.api.RequestChanges(ctx, handshakeID)
			},
		}, nil
	})
}

// Decline rejects the handshake.
func (m *Machine) Decline(ctx context.Context, handshakeID string) error {
	return m.run(ctx, handshakeID, ActionDecline, func(prev models.Conversation) (plan, error) {
		return plan{
			steps: []step{statusStep(m, handshakeID, prev.Status, models.StatusDenied)},
			remote: func(ctx context.Context) error {
				return m.api.Decline(ctx, handshakeID)
			},
		}, nil
	})
}

// Cancel withdraws a pending handshake. Either party may cancel.
func (m *Machine) Cancel(ctx context.Context, handshakeID string) error {
	return m.run(ctx, handshakeID, ActionCancel, func(prev models.Conversation) (plan, error) {
		return plan{
			steps: []step{statusStep(m, handshakeID, prev.Status, models.StatusCancelled)},
			remote: func(ctx context.Context) error {
				return m.api.Cancel(ctx, handshakeID)
			},
		}, nil
	})
}

func statusStep(m *Machine, handshakeID string, from, to models.HandshakeStatus) step {
	return step{
		apply: func() {
			m.update(handshakeID, func(c *models.Conversation) { setStatus(c, to) })
		},
		revert: func() {
			m.update(handshakeID, func(c *models.Conversation) {
				if c.Status == to {
					c.Status = from
				}
			})
		},
	}
}

// ConfirmCompletion records the caller's confirmation. Completion flags
// are only set after the server accepted them, and the conversation is
// completed only once both parties have confirmed.
func (m *Machine) ConfirmCompletion(ctx context.Context, handshakeID string) error {
	return m.run(ctx, handshakeID, ActionConfirmCompletion, func(models.Conversation) (plan, error) {
		return plan{
			remote: func(ctx context.Context) error {
				return m.api.ConfirmCompletion(ctx, handshakeID)
			},
			onSuccess: func(context.Context) {
				m.update(handshakeID, func(c *models.Conversation) {
					if c.IsProvider {
						c.ProviderConfirmedComplete = true
					} else {
						c.ReceiverConfirmedComplete = true
					}

					if c.BothConfirmed() {
						setStatus(c, models.StatusCompleted)
					}
				})
			},
		}, nil
	})
}

// SubmitReputation posts the receiver's feedback once per handshake.
func (m *Machine) SubmitReputation(ctx context.Context, handshakeID string, rep models.Reputation) error {
	return m.run(ctx, handshakeID, ActionSubmitReputation, func(models.Conversation) (plan, error) {
		return plan{
			steps: []step{{
				apply: func() {
					m.update(handshakeID, func(c *models.Conversation) { c.UserHasReviewed = true })
				},
				revert: func() {
					m.update(handshakeID, func(c *models.Conversation) { c.UserHasReviewed = false })
				},
			}},
			remote: func(ctx context.Context) error {
				return m.api.SubmitReputation(ctx, handshakeID, rep)
			},
		}, nil
	})
}
