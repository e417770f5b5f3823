package model

import (
	"fmt"
	"sort"
	"strings"
)

// Channel is a delivery mechanism.
type Channel string

// Supported channels.
const (
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
	ChannelInApp Channel = "inapp"
)

// AllChannels lists channels in canonical order.
var AllChannels = []Channel{ChannelEmail, ChannelPush, ChannelInApp}

// ParseChannel normalizes a channel name.
func ParseChannel(s string) (Channel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "email", "mail":
		return ChannelEmail, nil
	case "push":
		return ChannelPush, nil
	case "inapp", "in_app", "in-app", "web":
		return ChannelInApp, nil
	}
	return "", fmt.Errorf("unknown channel %q", s)
}

// SortChannels sorts channels in place by name.
func SortChannels(cs []Channel) {
	sort.Slice(cs, func(i, j int) bool { return cs[i] < cs[j] })
}

// ScopeKind selects what a subscription watches.
type ScopeKind string

// Scope kinds.
const (
	ScopeEntity ScopeKind = "entity"
	ScopeTeam   ScopeKind = "team"
)

// Scope is a subscription target: exactly one entity or one team.
type Scope struct {
	Kind  ScopeKind `json:"kind"`
	Value string    `json:"value"`
}

// EntityScope returns a scope watching one entity.
func EntityScope(entityID string) Scope { return Scope{Kind: ScopeEntity, Value: entityID} }

// TeamScope returns a scope watching every entity on a team.
func TeamScope(team string) Scope { return Scope{Kind: ScopeTeam, Value: team} }

// Key is the canonical string form, e.g. "team:LAL".
func (s Scope) Key() string { return string(s.Kind) + ":" + s.Value }

// Valid reports whether the scope is well formed.
func (s Scope) Valid() bool {
	return (s.Kind == ScopeEntity || s.Kind == ScopeTeam) && strings.TrimSpace(s.Value) != ""
}

// ParseScope parses "entity:<id>" or "team:<name>".
func ParseScope(s string) (Scope, error) {
	kind, value, ok := strings.Cut(s, ":")
	sc := Scope{Kind: ScopeKind(strings.ToLower(strings.TrimSpace(kind))), Value: strings.TrimSpace(value)}
	if !ok || !sc.Valid() {
		return Scope{}, fmt.Errorf("invalid scope %q", s)
	}
	return sc, nil
}

// QuietHours is a daily local-time window during which delivery is deferred.
// Start and End are "HH:MM"; the window is [Start, End) and may span midnight.
type QuietHours struct {
	Start    string `json:"start" koanf:"start"`
	End      string `json:"end" koanf:"end"`
	Timezone string `json:"timezone" koanf:"timezone"`
}

// Preferences are a user's delivery settings for one subscription.
type Preferences struct {
	Channels   []Channel   `json:"channels"`
	QuietHours *QuietHours `json:"quiet_hours,omitempty"`
	MinTier    Tier        `json:"min_tier"`
	TopOnly    bool        `json:"top_only"`
}

// Subscription binds a user to a scope with preferences.
type Subscription struct {
	ID          string      `json:"id"`
	UserID      string      `json:"user_id"`
	Scope       Scope       `json:"scope"`
	Preferences Preferences `json:"preferences"`
}
