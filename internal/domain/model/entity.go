// Package model contains domain models passed between layers.
package model

import (
	"fmt"
	"strings"
)

// Tier is an ordered importance bucket for a tracked entity.
type Tier int

// Tiers in ascending order of importance.
const (
	TierOrdinary Tier = iota
	TierNotable
	TierTop
)

// notableRankFactor widens the top cutoff to derive the notable band.
const notableRankFactor = 3

var tierNames = map[Tier]string{
	TierOrdinary: "ordinary",
	TierNotable:  "notable",
	TierTop:      "top",
}

func (t Tier) String() string {
	if s, ok := tierNames[t]; ok {
		return s
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// ParseTier parses a tier name. The empty string maps to ordinary.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ordinary":
		return TierOrdinary, nil
	case "notable":
		return TierNotable, nil
	case "top":
		return TierTop, nil
	}
	return TierOrdinary, fmt.Errorf("unknown tier %q", s)
}

// TierFromRank derives a tier from a provider rank. Rank 0 means unranked.
func TierFromRank(rank, topCutoff int) Tier {
	switch {
	case rank <= 0 || topCutoff <= 0:
		return TierOrdinary
	case rank <= topCutoff:
		return TierTop
	case rank <= topCutoff*notableRankFactor:
		return TierNotable
	default:
		return TierOrdinary
	}
}

// TrackedEntity is the subject whose status is monitored.
type TrackedEntity struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Team     string `json:"team"`
	Position string `json:"position,omitempty"`
	Rank     int    `json:"rank,omitempty"`
	Tier     Tier   `json:"tier"`
}

// DisplayName returns the name, falling back to the id.
func (e TrackedEntity) DisplayName() string {
	if e.Name != "" {
		return e.Name
	}
	return e.ID
}

// MarshalText encodes the tier by name.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText decodes a tier name.
func (t *Tier) UnmarshalText(b []byte) error {
	v, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}
