package relay

import (
	"context"
	"io"
	"time"
)

// IdentityStore manages registered identities.
type IdentityStore interface {
	FindIdentity(ctx context.Context, key string) (Identity, error)
	CreateIdentity(ctx context.Context, key, name string, plan Plan, expiresAt time.Time) (IdentityDetail, error)
	ListIdentities(ctx context.Context) ([]IdentityDetail, error)
	GetIdentityDetail(ctx context.Context, key string) (IdentityDetail, error)
	UpdateIdentityName(ctx context.Context, key, name string) error
	// DeleteIdentity removes the identity with its subscription and usage.
	DeleteIdentity(ctx context.Context, key string) error
}

// SubscriptionStore manages the plan attached to each identity.
type SubscriptionStore interface {
	FindSubscriptionByIdentity(ctx context.Context, identityID string) (Subscription, error)
	// UpsertSubscription sets plan and expiry, clears every reminder flag and
	// bumps the revision.
	UpsertSubscription(ctx context.Context, identityID string, plan Plan, expiresAt time.Time) (Subscription, error)
}

// UsageStore records successful captures.
type UsageStore interface {
	// CountUsageInRange counts records with from <= At < to.
	CountUsageInRange(ctx context.Context, identityID string, from, to time.Time) (int, error)
	InsertUsageRecord(ctx context.Context, identityID string, at time.Time) (UsageRecord, error)
}

// ReminderStore supports the renewal reminder sweep.
type ReminderStore interface {
	ListReminderCandidates(ctx context.Context, now time.Time) ([]ReminderCandidate, error)
	// SetReminderFlag sets the flag for threshold only while the subscription
	// is still at revision. It reports whether the write was applied.
	SetReminderFlag(ctx context.Context, subscriptionID string, threshold Threshold, revision int64) (bool, error)
}

// Store is the full persistence surface.
type Store interface {
	IdentityStore
	SubscriptionStore
	UsageStore
	ReminderStore
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Messenger sends chat traffic through the messaging gateway.
type Messenger interface {
	SendMessage(ctx context.Context, recipient, text string, opts SendOptions) error
	React(ctx context.Context, chatID, messageID, emoji string) error
	ResolveContact(ctx context.Context, senderID string) (Contact, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Queue provides enqueue/dequeue semantics for inbound messages.
type Queue interface {
	Enqueue(ctx context.Context, msg InboundMessage) error
	Dequeue(ctx context.Context) (InboundMessage, error)
}

// Policy throttles senders.
type Policy interface {
	Allow(senderKey string) bool
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
