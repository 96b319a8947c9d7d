// pkg/whatsapp/structures.go
package whatsapp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"

	json "github.com/json-iterator/go"
)

// sender is the capability domain objects use to issue commands back into the page.
type sender interface {
	SendMessage(ctx context.Context, to JID, body string, opts ...SendOption) (*Message, error)
}

var errNoSender = errors.New("object is not bound to a client")

// Message is a snapshot of a WhatsApp message.
type Message struct {
	ID        string
	From      JID
	To        JID
	ChatID    JID
	Body      string
	Timestamp int64
	IsFromMe  bool
	// Type is the WhatsApp message type (chat, image, ...) or "unknown".
	Type string
	// Raw is the payload the message was decoded from.
	Raw []byte

	sender sender
}

// Reply sends body to the message's chat, quoting the message.
func (m *Message) Reply(ctx context.Context, body string) (*Message, error) {
	if m.sender == nil {
		return nil, errNoSender
	}
	return m.sender.SendMessage(ctx, m.ChatID, body, WithQuotedMessage(m.ID))
}

// Chat is a snapshot of a conversation. Re-fetch it for fresh values.
type Chat struct {
	ID          JID
	Name        string
	UnreadCount int
	IsGroup     bool
	LastMessage *Message
	Raw         []byte

	sender sender
}

// SendMessage sends body to this chat.
func (c *Chat) SendMessage(ctx context.Context, body string, opts ...SendOption) (*Message, error) {
	if c.sender == nil {
		return nil, errNoSender
	}
	return c.sender.SendMessage(ctx, c.ID, body, opts...)
}

// Contact is a snapshot of an address-book entry.
type Contact struct {
	ID         JID
	Name       string
	PushName   string
	IsBusiness bool
	IsMe       bool
	Raw        []byte
}

// wireID accepts both the serialized string form and the {_serialized, remote, fromMe}
// object form the page uses for ids.
type wireID struct {
	Serialized string
	Remote     string
	FromMe     *bool
}

func (w *wireID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &w.Serialized)
	}
	var obj struct {
		Serialized string          `json:"_serialized"`
		Remote     json.RawMessage `json:"remote"`
		FromMe     *bool           `json:"fromMe"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	w.Serialized = obj.Serialized
	w.FromMe = obj.FromMe
	if len(obj.Remote) > 0 {
		// remote is either a string or another wid object.
		var remote wireID
		if err := remote.UnmarshalJSON(obj.Remote); err == nil {
			w.Remote = remote.Serialized
		}
	}
	return nil
}

type wireMessage struct {
	ID          *wireID  `json:"id"`
	From        string   `json:"from"`
	To          string   `json:"to"`
	Body        string   `json:"body"`
	T           *float64 `json:"t"`
	Timestamp   *float64 `json:"timestamp"`
	FromMe      *bool    `json:"fromMe"`
	ChatID      string   `json:"chatId"`
	Type        string   `json:"type"`
	MessageType string   `json:"messageType"`
}

// decodeMessage hydrates a Message; id, from and to are required.
func decodeMessage(source string, raw []byte, s sender) (*Message, error) {
	if isNull(raw) {
		return nil, newProtocolError(source, raw, errors.New("message payload is null"))
	}
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, newProtocolError(source, raw, err)
	}
	switch {
	case w.ID == nil || w.ID.Serialized == "":
		return nil, newProtocolError(source, raw, errMissingField("id"))
	case w.From == "":
		return nil, newProtocolError(source, raw, errMissingField("from"))
	case w.To == "":
		return nil, newProtocolError(source, raw, errMissingField("to"))
	}

	m := &Message{
		ID:     w.ID.Serialized,
		From:   JID(w.From),
		To:     JID(w.To),
		Body:   w.Body,
		Type:   w.Type,
		Raw:    append([]byte(nil), raw...),
		sender: s,
	}
	switch {
	case w.ID.FromMe != nil:
		m.IsFromMe = *w.ID.FromMe
	case w.FromMe != nil:
		m.IsFromMe = *w.FromMe
	}
	if m.Type == "" {
		m.Type = w.MessageType
	}
	if m.Type == "" {
		m.Type = "unknown"
	}
	switch {
	case w.T != nil:
		m.Timestamp = int64(math.Round(*w.T))
	case w.Timestamp != nil:
		m.Timestamp = int64(math.Round(*w.Timestamp))
	}
	switch {
	case w.ID.Remote != "":
		m.ChatID = JID(w.ID.Remote)
	case w.ChatID != "":
		m.ChatID = JID(w.ChatID)
	case m.IsFromMe:
		m.ChatID = m.To
	default:
		m.ChatID = m.From
	}
	return m, nil
}

type wireChat struct {
	ID             *wireID         `json:"id"`
	Name           string          `json:"name"`
	FormattedTitle string          `json:"formattedTitle"`
	UnreadCount    *float64        `json:"unreadCount"`
	IsGroup        *bool           `json:"isGroup"`
	LastMessage    json.RawMessage `json:"lastMessage"`
}

func decodeChat(source string, raw []byte, s sender) (*Chat, error) {
	if isNull(raw) {
		return nil, newProtocolError(source, raw, errors.New("chat payload is null"))
	}
	var w wireChat
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, newProtocolError(source, raw, err)
	}
	if w.ID == nil || w.ID.Serialized == "" {
		return nil, newProtocolError(source, raw, errMissingField("id"))
	}

	c := &Chat{
		ID:     JID(w.ID.Serialized),
		Name:   w.Name,
		Raw:    append([]byte(nil), raw...),
		sender: s,
	}
	if c.Name == "" {
		c.Name = w.FormattedTitle
	}
	if w.UnreadCount != nil && *w.UnreadCount > 0 {
		c.UnreadCount = int(*w.UnreadCount)
	}
	if w.IsGroup != nil {
		c.IsGroup = *w.IsGroup
	} else {
		c.IsGroup = c.ID.IsGroup()
	}
	if len(w.LastMessage) > 0 && !isNull(w.LastMessage) {
		last, err := decodeMessage(source+".lastMessage", w.LastMessage, s)
		if err != nil {
			return nil, err
		}
		c.LastMessage = last
	}
	return c, nil
}

type wireContact struct {
	ID         *wireID `json:"id"`
	Name       string  `json:"name"`
	PushName   string  `json:"pushname"`
	IsBusiness bool    `json:"isBusiness"`
	IsMe       bool    `json:"isMe"`
}

func decodeContact(source string, raw []byte) (*Contact, error) {
	if isNull(raw) {
		return nil, newProtocolError(source, raw, errors.New("contact payload is null"))
	}
	var w wireContact
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, newProtocolError(source, raw, err)
	}
	if w.ID == nil || w.ID.Serialized == "" {
		return nil, newProtocolError(source, raw, errMissingField("id"))
	}
	return &Contact{
		ID:         JID(w.ID.Serialized),
		Name:       w.Name,
		PushName:   w.PushName,
		IsBusiness: w.IsBusiness,
		IsMe:       w.IsMe,
		Raw:        append([]byte(nil), raw...),
	}, nil
}

// decodeList splits a JSON array and decodes each element with fn.
func decodeList[T any](source string, raw []byte, fn func(string, []byte) (*T, error)) ([]*T, error) {
	if isNull(raw) {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, newProtocolError(source, raw, fmt.Errorf("expected an array: %w", err))
	}
	out := make([]*T, 0, len(items))
	for i, item := range items {
		v, err := fn(fmt.Sprintf("%s[%d]", source, i), item)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func isNull(raw []byte) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}
