package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/alexjbarnes/timebank-sync/internal/models"
	"github.com/alexjbarnes/timebank-sync/timebank"
)

const timeLayout = "2006-01-02 15:04"

// console serializes output from command code and engine callbacks,
// which run on the engine's goroutines.
type console struct {
	mu      sync.Mutex
	out     io.Writer
	errOut  io.Writer
	jsonOut bool
	self    string
	peer    string
}

func (c *console) setSelf(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.self = userID
}

// setPeer names the counterpart shown for messages not sent by self.
func (c *console) setPeer(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.peer = name
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, _ = fmt.Fprintf(c.out, format, args...)
}

func (c *console) errorf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, _ = fmt.Fprintf(c.errOut, format, args...)
}

func (c *console) json(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

func (c *console) conversations(convs []models.Conversation) error {
	if c.jsonOut {
		return c.json(convs)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(convs) == 0 {
		_, _ = fmt.Fprintln(c.out, "No conversations.")
		return nil
	}

	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tWITH\tSERVICE\tSTATUS\tROLE\tLAST ACTIVITY")

	for _, conv := range convs {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			conv.HandshakeID,
			conv.Counterpart.Name,
			conv.Service.Title,
			conv.Status,
			conv.Role(),
			formatTime(conv.LastActivity()),
		)
	}

	return tw.Flush()
}

func (c *console) conversation(conv models.Conversation) error {
	if c.jsonOut {
		return c.json(conv)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	_, _ = fmt.Fprintf(c.out, "%s with %s (%s)\n", conv.Service.Title, conv.Counterpart.Name, conv.HandshakeID)
	_, _ = fmt.Fprintf(c.out, "  status:   %s, you are the %s\n", conv.Status, conv.Role())

	if conv.ProviderInitiated {
		when := "unscheduled"
		if conv.ScheduledTime != nil {
			when = formatTime(*conv.ScheduledTime)
		}

		_, _ = fmt.Fprintf(c.out, "  details:  %s, %s hours at %s\n", when, formatHours(conv.ExactDuration), conv.ExactLocation)
	}

	if conv.Status == models.StatusAccepted || conv.Status == models.StatusCompleted {
		_, _ = fmt.Fprintf(c.out, "  confirmed: provider %s, receiver %s\n",
			yesNo(conv.ProviderConfirmedComplete), yesNo(conv.ReceiverConfirmedComplete))
	}

	if actions := timebank.Allowed(conv); len(actions) > 0 {
		names := make([]string, len(actions))
		for i, a := range actions {
			names[i] = string(a)
		}

		_, _ = fmt.Fprintf(c.out, "  actions:  %s\n", strings.Join(names, ", "))
	}

	return nil
}

func (c *console) messages(msgs []models.Message) error {
	if c.jsonOut {
		return c.json(msgs)
	}

	for _, m := range msgs {
		c.message(m)
	}

	return nil
}

func (c *console) message(m models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.jsonOut {
		_ = json.NewEncoder(c.out).Encode(m)
		return
	}

	who := c.peer
	if m.SenderID == c.self {
		who = "you"
	}

	if who == "" {
		who = m.SenderID
	}

	pending := ""
	if m.Temporary() {
		pending = " (sending)"
	}

	_, _ = fmt.Fprintf(c.out, "[%s] %s: %s%s\n", formatTime(m.CreatedAt), who, m.Body, pending)
}

func (c *console) notice(n timebank.Notice) {
	if n.HandshakeID != "" {
		c.errorf("! %s (%s)\n", n.Message, n.HandshakeID)
		return
	}

	c.errorf("! %s\n", n.Message)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	return t.Local().Format(timeLayout)
}

func formatHours(h float64) string {
	return strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%.2f", h), "0"), ".")
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}

	return "no"
}
