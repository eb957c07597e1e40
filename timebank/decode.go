package timebank

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/alexjbarnes/timebank-sync/internal/models"
	"github.com/tidwall/gjson"
)

// ParseError reports a server payload that does not match the expected
// shape. Payloads are validated once at the REST/push boundary so the
// rest of the engine only sees well-formed values.
type ParseError struct {
	What   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.What, e.Reason)
}

// Push envelope types.
const (
	frameChatMessage = "chat_message"
	frameError       = "error"
)

// envelope is a decoded inbound push frame.
type envelope struct {
	Type    string
	Message models.Message
	Error   string
}

// outboundFrame is the only frame the client sends.
type outboundFrame struct {
	Type string `json:"type"`
	Body string `json:"body"`
}

// decodeEnvelope parses an inbound frame. The type is peeked with gjson
// so unknown frame types are never fully decoded.
func decodeEnvelope(data []byte) (envelope, error) {
	if !gjson.ValidBytes(data) {
		return envelope{}, &ParseError{What: "frame", Reason: "not JSON"}
	}

	typ := gjson.GetBytes(data, "type")
	if typ.Type != gjson.String {
		return envelope{}, &ParseError{What: "frame", Reason: "missing type"}
	}

	env := envelope{Type: typ.Str}

	switch env.Type {
	case frameChatMessage:
		raw := gjson.GetBytes(data, "message")
		if !raw.IsObject() {
			return envelope{}, &ParseError{What: "frame", Reason: "chat_message without message object"}
		}

		msg, err := messageFromResult(raw)
		if err != nil {
			return envelope{}, err
		}

		env.Message = msg

	case frameError:
		env.Error = gjson.GetBytes(data, "error").String()
		if env.Error == "" {
			env.Error = "unknown push channel error"
		}
	}

	return env, nil
}

// decodeMessage validates a single message object.
func decodeMessage(data []byte) (models.Message, error) {
	if !gjson.ValidBytes(data) {
		return models.Message{}, &ParseError{What: "message", Reason: "not JSON"}
	}

	return messageFromResult(gjson.ParseBytes(data))
}

// messageFromResult accepts numeric or string ids and either a flat
// sender_id or a nested sender object.
func messageFromResult(r gjson.Result) (models.Message, error) {
	if !r.IsObject() {
		return models.Message{}, &ParseError{What: "message", Reason: "not an object"}
	}

	msg := models.Message{
		ID:          firstString(r, "id"),
		HandshakeID: firstString(r, "handshake_id", "handshake"),
		SenderID:    firstString(r, "sender_id", "sender.id", "sender"),
		Body:        r.Get("body").String(),
	}

	if msg.ID == "" {
		return models.Message{}, &ParseError{What: "message", Reason: "missing id"}
	}

	if msg.SenderID == "" {
		return models.Message{}, &ParseError{What: "message", Reason: "missing sender"}
	}

	created := r.Get("created_at")
	if created.Type != gjson.String {
		return models.Message{}, &ParseError{What: "message", Reason: "missing created_at"}
	}

	ts, err := time.Parse(time.RFC3339Nano, created.Str)
	if err != nil {
		return models.Message{}, &ParseError{What: "message", Reason: "bad created_at: " + err.Error()}
	}

	msg.CreatedAt = ts

	return msg, nil
}

func firstString(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		v := r.Get(p)
		switch v.Type {
		case gjson.String:
			if v.Str != "" {
				return v.Str
			}
		case gjson.Number:
			return v.Raw
		}
	}

	return ""
}

// decodeMessagePage validates a paginated history response. Messages
// without a handshake id inherit the requested one.
func decodeMessagePage(data []byte, handshakeID string) (*MessagePage, error) {
	if !gjson.ValidBytes(data) {
		return nil, &ParseError{What: "message page", Reason: "not JSON"}
	}

	results := gjson.GetBytes(data, "results")
	if !results.IsArray() {
		return nil, &ParseError{What: "message page", Reason: "missing results"}
	}

	page := &MessagePage{Next: gjson.GetBytes(data, "next").String()}

	for _, item := range results.Array() {
		msg, err := messageFromResult(item)
		if err != nil {
			return nil, err
		}

		if msg.HandshakeID == "" {
			msg.HandshakeID = handshakeID
		}

		page.Results = append(page.Results, msg)
	}

	return page, nil
}

// decodeConversations accepts either a bare array or a paginated
// {"results": [...]} wrapper. Records that fail validation are skipped
// and returned in skipped so one bad row does not hide the rest; a list
// where every record is invalid is an error.
func decodeConversations(data []byte) (convs []models.Conversation, skipped []error, err error) {
	if !gjson.ValidBytes(data) {
		return nil, nil, &ParseError{What: "conversation list", Reason: "not JSON"}
	}

	list := gjson.ParseBytes(data)
	if !list.IsArray() {
		list = list.Get("results")
	}

	if !list.IsArray() {
		return nil, nil, &ParseError{What: "conversation list", Reason: "expected array"}
	}

	items := list.Array()
	convs = make([]models.Conversation, 0, len(items))

	for _, item := range items {
		conv, err := decodeConversation([]byte(item.Raw))
		if err != nil {
			skipped = append(skipped, err)
			continue
		}

		convs = append(convs, conv)
	}

	if len(items) > 0 && len(convs) == 0 {
		return nil, skipped, skipped[0]
	}

	return convs, skipped, nil
}

// wireID accepts a JSON string or number, as ids arrive in either form.
type wireID string

func (w *wireID) UnmarshalJSON(data []byte) error {
	r := gjson.ParseBytes(data)

	switch r.Type {
	case gjson.String:
		*w = wireID(r.Str)
	case gjson.Number:
		*w = wireID(r.Raw)
	case gjson.Null:
		*w = ""
	default:
		return fmt.Errorf("id must be a string or number, got %s", r.Raw)
	}

	return nil
}

// wireConversation shadows the id fields of models.Conversation so they
// decode from numbers too.
type wireConversation struct {
	models.Conversation

	HandshakeID wireID `json:"handshake_id"`
	Counterpart struct {
		ID   wireID `json:"id"`
		Name string `json:"name"`
	} `json:"counterpart"`
	Service struct {
		ID    wireID `json:"id"`
		Title string `json:"title"`
	} `json:"service"`
}

func decodeConversation(data []byte) (models.Conversation, error) {
	var w wireConversation
	if err := json.Unmarshal(data, &w); err != nil {
		return models.Conversation{}, &ParseError{What: "conversation", Reason: err.Error()}
	}

	conv := w.Conversation
	conv.HandshakeID = string(w.HandshakeID)
	conv.Counterpart = models.Party{ID: string(w.Counterpart.ID), Name: w.Counterpart.Name}
	conv.Service = models.ServiceRef{ID: string(w.Service.ID), Title: w.Service.Title}

	if conv.HandshakeID == "" {
		return models.Conversation{}, &ParseError{What: "conversation", Reason: "missing handshake_id"}
	}

	if !conv.Status.Valid() {
		return models.Conversation{}, &ParseError{What: "conversation", Reason: fmt.Sprintf("unknown status %q", conv.Status)}
	}

	if conv.ExactDuration < 0 {
		return models.Conversation{}, &ParseError{What: "conversation", Reason: "negative exact_duration"}
	}

	return conv, nil
}

// decodeProfile accepts the balance as a number or a decimal string.
func decodeProfile(data []byte) (models.Profile, error) {
	if !gjson.ValidBytes(data) {
		return models.Profile{}, &ParseError{What: "profile", Reason: "not JSON"}
	}

	r := gjson.ParseBytes(data)

	bal := r.Get("timebank_balance")
	if !bal.Exists() {
		return models.Profile{}, &ParseError{What: "profile", Reason: "missing timebank_balance"}
	}

	return models.Profile{ID: firstString(r, "id"), Balance: bal.Float()}, nil
}
