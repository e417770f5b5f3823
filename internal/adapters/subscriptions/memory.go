package subscriptions

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/okian/statuswatch/internal/adapters/channels"
	"github.com/okian/statuswatch/internal/domain/model"
)

// MemoryStore keeps subscriptions and contacts in process.
type MemoryStore struct {
	mu       sync.RWMutex
	subs     map[string]model.Subscription
	contacts map[string]map[model.Channel]string
	prints   map[string]uint64
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs:     make(map[string]model.Subscription),
		contacts: make(map[string]map[model.Channel]string),
		prints:   make(map[string]uint64),
	}
}

// Put adds or replaces a subscription by id.
func (s *MemoryStore) Put(sub model.Subscription) error {
	if sub.ID == "" || sub.UserID == "" || !sub.Scope.Valid() {
		return fmt.Errorf("%w: id, user and scope are required", ErrInvalidSubscription)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.ID] = sub
	return nil
}

// Remove deletes a subscription. It reports whether it existed.
func (s *MemoryStore) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[id]
	delete(s.subs, id)
	return ok
}

// SetContact records a user's address on a channel. An empty address clears it.
func (s *MemoryStore) SetContact(userID string, ch model.Channel, addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	setContactLocked(s.contacts, userID, ch, addr)
}

func setContactLocked(m map[string]map[model.Channel]string, userID string, ch model.Channel, addr string) {
	if addr == "" {
		delete(m[userID], ch)
		return
	}
	if m[userID] == nil {
		m[userID] = make(map[model.Channel]string)
	}
	m[userID][ch] = addr
}

// ListSubscriptions implements resolver.SubscriptionSource.
func (s *MemoryStore) ListSubscriptions(_ context.Context, scope model.Scope) ([]model.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Subscription
	for _, sub := range s.subs {
		if sub.Scope == scope {
			out = append(out, clone(sub))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Contact implements channels.Directory.
func (s *MemoryStore) Contact(_ context.Context, userID string, ch model.Channel) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if addr, ok := s.contacts[userID][ch]; ok {
		return addr, nil
	}
	return "", fmt.Errorf("%w: %s on %s", channels.ErrNoContact, userID, ch)
}

// ReplaceUsers swaps the whole content for users and returns the ids of users
// that were added, removed or modified, sorted. Invalid subscriptions are
// skipped and reported in errs.
func (s *MemoryStore) ReplaceUsers(users []User) (changed []string, errs []error) {
	subs := make(map[string]model.Subscription)
	contacts := make(map[string]map[model.Channel]string)
	prints := make(map[string]uint64, len(users))

	for _, u := range users {
		if u.ID == "" {
			errs = append(errs, fmt.Errorf("%w: user without id", ErrInvalidSubscription))
			continue
		}
		prints[u.ID] = fingerprint(u)
		setContactLocked(contacts, u.ID, model.ChannelEmail, u.Email)
		setContactLocked(contacts, u.ID, model.ChannelPush, u.PushURL)
		for i, spec := range u.Subscriptions {
			sub, err := spec.toModel(u.ID, i)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			subs[sub.ID] = sub
		}
	}

	s.mu.Lock()
	for id, p := range prints {
		if old, ok := s.prints[id]; !ok || old != p {
			changed = append(changed, id)
		}
	}
	for id := range s.prints {
		if _, ok := prints[id]; !ok {
			changed = append(changed, id)
		}
	}
	s.subs, s.contacts, s.prints = subs, contacts, prints
	s.mu.Unlock()

	sort.Strings(changed)
	return changed, errs
}

func fingerprint(u User) uint64 {
	b, _ := json.Marshal(u)
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

func clone(sub model.Subscription) model.Subscription {
	sub.Preferences.Channels = append([]model.Channel(nil), sub.Preferences.Channels...)
	if q := sub.Preferences.QuietHours; q != nil {
		cp := *q
		sub.Preferences.QuietHours = &cp
	}
	return sub
}
