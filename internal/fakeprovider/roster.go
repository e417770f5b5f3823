// Package fakeprovider serves a synthetic injury roster that drifts over
// time, for local runs and end-to-end tests of the polling pipeline.
package fakeprovider

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"
)

var teams = []string{"ATL", "BOS", "BKN", "CHI", "DAL", "DEN", "GSW", "LAL", "MIA", "NYK"}

var statuses = []string{"active", "questionable", "doubtful", "out"}

var reasons = []string{"ankle sprain", "knee soreness", "hamstring strain", "illness", "rest", "concussion protocol"}

var positions = []string{"G", "F", "C", "G-F", "F-C"}

// Player is one roster row in the shape the provider client decodes.
type Player struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Team       string `json:"team"`
	Position   string `json:"position,omitempty"`
	Rank       int    `json:"rank,omitempty"`
	Status     string `json:"status"`
	Note       string `json:"note,omitempty"`
	ObservedAt string `json:"observed_at"`
}

// Roster is a mutable set of players. It is safe for concurrent use.
type Roster struct {
	mu      sync.RWMutex
	players map[string]*Player
	version int
	now     func() time.Time
}

// NewRoster seeds n players. Roughly a fifth start on the injury report.
func NewRoster(n int, now func() time.Time) *Roster {
	if now == nil {
		now = time.Now
	}
	r := &Roster{players: make(map[string]*Player, n), now: now}
	ts := now().UTC().Format(time.RFC3339)
	for i := 0; i < n; i++ {
		p := &Player{
			ID:         fmt.Sprintf("p-%04d", i+1),
			Name:       fmt.Sprintf("Player %d", i+1),
			Team:       teams[i%len(teams)],
			Position:   positions[i%len(positions)],
			Rank:       i + 1,
			Status:     "active",
			ObservedAt: ts,
		}
		if randInt(5) == 0 {
			p.Status = statuses[1+randInt(len(statuses)-1)]
			p.Note = reasons[randInt(len(reasons))]
		}
		r.players[p.ID] = p
	}
	return r
}

// Snapshot returns the players sorted by id and the roster version.
func (r *Roster) Snapshot() ([]Player, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Player, 0, len(r.players))
	for _, p := range r.players {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, r.version
}

// Step changes the status of up to k random players and returns their ids.
func (r *Roster) Step(k int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if k <= 0 || len(r.players) == 0 {
		return nil
	}

	ids := make([]string, 0, len(r.players))
	for id := range r.players {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	ts := r.now().UTC().Format(time.RFC3339)
	changed := make([]string, 0, k)
	seen := make(map[string]bool, k)
	for len(changed) < k && len(seen) < len(ids) {
		id := ids[randInt(len(ids))]
		if seen[id] {
			continue
		}
		seen[id] = true
		p := r.players[id]
		p.Status = nextStatus(p.Status)
		p.Note = ""
		if p.Status != "active" {
			p.Note = reasons[randInt(len(reasons))]
		}
		p.ObservedAt = ts
		changed = append(changed, id)
	}
	r.version++
	sort.Strings(changed)
	return changed
}

// Set forces one player's status.
func (r *Roster) Set(id, status, note string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.players[id]
	if !ok {
		return false
	}
	p.Status, p.Note = status, note
	p.ObservedAt = r.now().UTC().Format(time.RFC3339)
	r.version++
	return true
}

// nextStatus always returns a status different from cur.
func nextStatus(cur string) string {
	for {
		s := statuses[randInt(len(statuses))]
		if s != cur {
			return s
		}
	}
}

// randInt returns a uniform int in [0, n) using crypto/rand.
func randInt(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(v.Int64())
}
