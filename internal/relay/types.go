package relay

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a unique key is already taken.
	ErrAlreadyExists = errors.New("already exists")
	// ErrInvalidPlan is returned by ParsePlan for unknown plan names.
	ErrInvalidPlan = errors.New("invalid plan")
)

// Plan names a subscription tier.
type Plan string

// Supported plans.
const (
	PlanBasic    Plan = "BASIC"
	PlanStandard Plan = "STANDARD"
	PlanPremium  Plan = "PREMIUM"
)

// DailyLimit returns the number of captures allowed per day. Unknown plans get
// zero, which denies every request.
func (p Plan) DailyLimit() int {
	switch p {
	case PlanBasic:
		return 10
	case PlanStandard:
		return 20
	case PlanPremium:
		return 30
	default:
		return 0
	}
}

// Valid reports whether p is one of the supported plans.
func (p Plan) Valid() bool {
	return p.DailyLimit() > 0
}

// ParsePlan normalizes a plan name such as "premium" into a Plan.
func ParsePlan(raw string) (Plan, error) {
	p := Plan(strings.ToUpper(strings.TrimSpace(raw)))
	if !p.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidPlan, raw)
	}
	return p, nil
}

// Threshold is a days-before-expiry mark that triggers a reminder.
type Threshold int

// Reminder thresholds, checked in this order.
const (
	Threshold7 Threshold = 7
	Threshold4 Threshold = 4
	Threshold1 Threshold = 1
)

// Thresholds lists every reminder threshold.
var Thresholds = []Threshold{Threshold7, Threshold4, Threshold1}

// Identity is a registered end user keyed by their phone-style number.
type Identity struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Subscription is the single plan attached to an identity.
type Subscription struct {
	ID               string    `json:"id"`
	IdentityID       string    `json:"identity_id"`
	Plan             Plan      `json:"plan"`
	ExpiresAt        time.Time `json:"expires_at"`
	ReminderDay7Sent bool      `json:"reminder_day7_sent"`
	ReminderDay4Sent bool      `json:"reminder_day4_sent"`
	ReminderDay1Sent bool      `json:"reminder_day1_sent"`
	// Revision increases on every upsert.
	Revision  int64     `json:"revision"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ReminderSent reports whether the flag for threshold t is already set.
func (s Subscription) ReminderSent(t Threshold) bool {
	switch t {
	case Threshold7:
		return s.ReminderDay7Sent
	case Threshold4:
		return s.ReminderDay4Sent
	case Threshold1:
		return s.ReminderDay1Sent
	default:
		return true
	}
}

// UsageRecord is one successful capture charged to an identity.
type UsageRecord struct {
	ID         string    `json:"id"`
	IdentityID string    `json:"identity_id"`
	At         time.Time `json:"at"`
}

// IdentityDetail joins an identity with its subscription and usage total.
type IdentityDetail struct {
	Identity
	Subscription *Subscription `json:"subscription,omitempty"`
	UsageCount   int           `json:"usage_count"`
}

// ReminderCandidate is an unexpired subscription with its owner.
type ReminderCandidate struct {
	Identity     Identity
	Subscription Subscription
}

// InboundMessage is a chat event delivered by the messaging gateway.
type InboundMessage struct {
	ID           string    `json:"id"`
	ChatID       string    `json:"chat_id"`
	SenderID     string    `json:"sender_id"`
	Text         string    `json:"text"`
	IsGroup      bool      `json:"is_group"`
	MentionedIDs []string  `json:"mentioned_ids"`
	ReceivedAt   time.Time `json:"received_at"`
}

// Contact is the gateway's view of a chat participant.
type Contact struct {
	ID     string `json:"id"`
	Number string `json:"number"`
	Name   string `json:"name"`
}

// SendOptions decorates an outbound message.
type SendOptions struct {
	Mentions        []string `json:"mentions,omitempty"`
	QuotedMessageID string   `json:"quoted_message_id,omitempty"`
}

// BareID strips the "@server" suffix from a chat ID, so "923001234567@c.us"
// becomes "923001234567".
func BareID(id string) string {
	if i := strings.IndexByte(id, '@'); i >= 0 {
		return id[:i]
	}
	return id
}
