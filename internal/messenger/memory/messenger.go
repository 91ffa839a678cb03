// Package memory provides a messenger that records and logs outbound traffic
// instead of delivering it.
package memory

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/linkrelay/internal/relay"
)

// Message is one recorded SendMessage call.
type Message struct {
	Recipient string
	Text      string
	Opts      relay.SendOptions
}

// Reaction is one recorded React call.
type Reaction struct {
	ChatID    string
	MessageID string
	Emoji     string
}

// Messenger implements relay.Messenger in memory.
type Messenger struct {
	mu         sync.Mutex
	messages   []Message
	reactions  []Reaction
	contacts   map[string]relay.Contact
	sendErrs   map[string]error
	reactErr   error
	contactErr error
	logger     *zap.Logger
}

// New creates a Messenger.
func New(logger *zap.Logger) *Messenger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Messenger{
		contacts: make(map[string]relay.Contact),
		sendErrs: make(map[string]error),
		logger:   logger,
	}
}

// SendMessage records the message, or fails when the recipient was marked
// with FailRecipient.
func (m *Messenger) SendMessage(_ context.Context, recipient, text string, opts relay.SendOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.sendErrs[recipient]; err != nil {
		return err
	}
	m.messages = append(m.messages, Message{Recipient: recipient, Text: text, Opts: opts})
	m.logger.Info("outbound message",
		zap.String("recipient", recipient),
		zap.Strings("mentions", opts.Mentions),
		zap.String("text", text),
	)
	return nil
}

// React records the reaction.
func (m *Messenger) React(_ context.Context, chatID, messageID, emoji string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reactErr != nil {
		return m.reactErr
	}
	m.reactions = append(m.reactions, Reaction{ChatID: chatID, MessageID: messageID, Emoji: emoji})
	return nil
}

// ResolveContact returns a contact registered with SetContact, or one derived
// from the sender ID.
func (m *Messenger) ResolveContact(_ context.Context, senderID string) (relay.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.contactErr != nil {
		return relay.Contact{}, m.contactErr
	}
	if c, ok := m.contacts[senderID]; ok {
		return c, nil
	}
	return relay.Contact{ID: senderID, Number: relay.BareID(senderID)}, nil
}

// SetContact registers the contact returned for senderID.
func (m *Messenger) SetContact(senderID string, c relay.Contact) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts[senderID] = c
}

// FailRecipient makes every SendMessage to recipient return err.
func (m *Messenger) FailRecipient(recipient string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErrs[recipient] = err
}

// FailReactions makes React return err.
func (m *Messenger) FailReactions(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reactErr = err
}

// FailContacts makes ResolveContact return err.
func (m *Messenger) FailContacts(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contactErr = err
}

// Messages returns a copy of the recorded messages.
func (m *Messenger) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.messages...)
}

// Reactions returns a copy of the recorded reactions.
func (m *Messenger) Reactions() []Reaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Reaction(nil), m.reactions...)
}
