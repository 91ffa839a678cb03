package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/linkrelay/internal/relay"
)

// Store provides an in-memory relay.Store for development and tests.
type Store struct {
	mu            sync.RWMutex
	identities    map[string]relay.Identity     // by key
	subscriptions map[string]relay.Subscription // by identity ID
	usage         map[string][]relay.UsageRecord
	ids           relay.IDGenerator
	clock         relay.Clock
}

// NewStore constructs a Store.
func NewStore(ids relay.IDGenerator, clock relay.Clock) *Store {
	return &Store{
		identities:    make(map[string]relay.Identity),
		subscriptions: make(map[string]relay.Subscription),
		usage:         make(map[string][]relay.UsageRecord),
		ids:           ids,
		clock:         clock,
	}
}

func (s *Store) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}

// Migrate is a no-op for the memory store.
func (s *Store) Migrate(context.Context) error { return nil }

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

// FindIdentity returns the identity registered under key.
func (s *Store) FindIdentity(_ context.Context, key string) (relay.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ident, ok := s.identities[key]
	if !ok {
		return relay.Identity{}, relay.ErrNotFound
	}
	return ident, nil
}

// CreateIdentity registers key with an initial subscription.
func (s *Store) CreateIdentity(
	_ context.Context,
	key, name string,
	plan relay.Plan,
	expiresAt time.Time,
) (relay.IdentityDetail, error) {
	identID, err := s.ids.NewID()
	if err != nil {
		return relay.IdentityDetail{}, fmt.Errorf("identity id: %w", err)
	}
	subID, err := s.ids.NewID()
	if err != nil {
		return relay.IdentityDetail{}, fmt.Errorf("subscription id: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.identities[key]; exists {
		return relay.IdentityDetail{}, relay.ErrAlreadyExists
	}
	now := s.now()
	ident := relay.Identity{ID: identID, Key: key, Name: name, CreatedAt: now}
	sub := relay.Subscription{
		ID:         subID,
		IdentityID: identID,
		Plan:       plan,
		ExpiresAt:  expiresAt,
		Revision:   1,
		UpdatedAt:  now,
	}
	s.identities[key] = ident
	s.subscriptions[identID] = sub
	return relay.IdentityDetail{Identity: ident, Subscription: &sub}, nil
}

// ListIdentities returns every identity ordered by creation time.
func (s *Store) ListIdentities(context.Context) ([]relay.IdentityDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]relay.IdentityDetail, 0, len(s.identities))
	for _, ident := range s.identities {
		out = append(out, s.detailLocked(ident))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// GetIdentityDetail returns the identity, its subscription and usage count.
func (s *Store) GetIdentityDetail(_ context.Context, key string) (relay.IdentityDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ident, ok := s.identities[key]
	if !ok {
		return relay.IdentityDetail{}, relay.ErrNotFound
	}
	return s.detailLocked(ident), nil
}

func (s *Store) detailLocked(ident relay.Identity) relay.IdentityDetail {
	detail := relay.IdentityDetail{Identity: ident, UsageCount: len(s.usage[ident.ID])}
	if sub, ok := s.subscriptions[ident.ID]; ok {
		detail.Subscription = &sub
	}
	return detail
}

// UpdateIdentityName renames the identity under key.
func (s *Store) UpdateIdentityName(_ context.Context, key, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ident, ok := s.identities[key]
	if !ok {
		return relay.ErrNotFound
	}
	ident.Name = name
	s.identities[key] = ident
	return nil
}

// DeleteIdentity removes the identity with its subscription and usage.
func (s *Store) DeleteIdentity(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ident, ok := s.identities[key]
	if !ok {
		return relay.ErrNotFound
	}
	delete(s.identities, key)
	delete(s.subscriptions, ident.ID)
	delete(s.usage, ident.ID)
	return nil
}

// FindSubscriptionByIdentity returns the subscription owned by identityID.
func (s *Store) FindSubscriptionByIdentity(_ context.Context, identityID string) (relay.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subscriptions[identityID]
	if !ok {
		return relay.Subscription{}, relay.ErrNotFound
	}
	return sub, nil
}

// UpsertSubscription sets plan and expiry, clears the reminder flags and
// bumps the revision.
func (s *Store) UpsertSubscription(
	_ context.Context,
	identityID string,
	plan relay.Plan,
	expiresAt time.Time,
) (relay.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasIdentityLocked(identityID) {
		return relay.Subscription{}, relay.ErrNotFound
	}
	sub, ok := s.subscriptions[identityID]
	if !ok {
		id, err := s.ids.NewID()
		if err != nil {
			return relay.Subscription{}, fmt.Errorf("subscription id: %w", err)
		}
		sub = relay.Subscription{ID: id, IdentityID: identityID}
	}
	sub.Plan = plan
	sub.ExpiresAt = expiresAt
	sub.ReminderDay7Sent = false
	sub.ReminderDay4Sent = false
	sub.ReminderDay1Sent = false
	sub.Revision++
	sub.UpdatedAt = s.now()
	s.subscriptions[identityID] = sub
	return sub, nil
}

func (s *Store) hasIdentityLocked(identityID string) bool {
	for _, ident := range s.identities {
		if ident.ID == identityID {
			return true
		}
	}
	return false
}

// CountUsageInRange counts records with from <= At < to.
func (s *Store) CountUsageInRange(_ context.Context, identityID string, from, to time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rec := range s.usage[identityID] {
		if !rec.At.Before(from) && rec.At.Before(to) {
			n++
		}
	}
	return n, nil
}

// InsertUsageRecord appends a usage record for identityID.
func (s *Store) InsertUsageRecord(_ context.Context, identityID string, at time.Time) (relay.UsageRecord, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return relay.UsageRecord{}, fmt.Errorf("usage id: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasIdentityLocked(identityID) {
		return relay.UsageRecord{}, relay.ErrNotFound
	}
	rec := relay.UsageRecord{ID: id, IdentityID: identityID, At: at}
	s.usage[identityID] = append(s.usage[identityID], rec)
	return rec, nil
}

// ListReminderCandidates returns subscriptions that expire after now.
func (s *Store) ListReminderCandidates(_ context.Context, now time.Time) ([]relay.ReminderCandidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []relay.ReminderCandidate
	for _, ident := range s.identities {
		sub, ok := s.subscriptions[ident.ID]
		if !ok || !sub.ExpiresAt.After(now) {
			continue
		}
		out = append(out, relay.ReminderCandidate{Identity: ident, Subscription: sub})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Subscription.ExpiresAt.Before(out[j].Subscription.ExpiresAt)
	})
	return out, nil
}

// SetReminderFlag sets the flag for threshold while the subscription is
// still at revision.
func (s *Store) SetReminderFlag(
	_ context.Context,
	subscriptionID string,
	threshold relay.Threshold,
	revision int64,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for identityID, sub := range s.subscriptions {
		if sub.ID != subscriptionID {
			continue
		}
		if sub.Revision != revision {
			return false, nil
		}
		switch threshold {
		case relay.Threshold7:
			sub.ReminderDay7Sent = true
		case relay.Threshold4:
			sub.ReminderDay4Sent = true
		case relay.Threshold1:
			sub.ReminderDay1Sent = true
		default:
			return false, fmt.Errorf("unknown reminder threshold %d", threshold)
		}
		s.subscriptions[identityID] = sub
		return true, nil
	}
	return false, relay.ErrNotFound
}
