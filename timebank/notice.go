package timebank

// Notice is a user-facing event: an error that needs attention, a stale
// view that was refreshed, or a transport that gave up.
type Notice struct {
	Kind        Kind
	HandshakeID string
	Action      Action
	Message     string
}

// Notifier surfaces notices to the user, e.g. as toasts.
type Notifier interface {
	Notify(Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

type discardNotifier struct{}

func (discardNotifier) Notify(Notice) {}
