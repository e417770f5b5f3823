package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/okian/statuswatch/internal/domain/model"
)

// flexString accepts JSON strings and numbers; feeds disagree on id types.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// wireRecord is one roster row. Aliased keys cover the NBA injury feed layout.
type wireRecord struct {
	ID         flexString `json:"id"`
	PersonID   flexString `json:"personId"`
	Name       string     `json:"name"`
	Team       string     `json:"team"`
	TeamName   string     `json:"teamName"`
	Position   string     `json:"position"`
	Rank       int        `json:"rank"`
	Tier       string     `json:"tier"`
	Status     string     `json:"status"`
	Note       string     `json:"note"`
	Reason     string     `json:"reason"`
	ObservedAt string     `json:"observed_at"`
}

type envelope struct {
	Players []json.RawMessage `json:"players"`
	Data    []json.RawMessage `json:"data"`
}

// decodeRoster accepts {"players":[...]}, {"data":[...]} or a bare array.
// Rows stay raw so one bad row cannot sink the whole roster.
func decodeRoster(body []byte) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrProviderMalformed)
	}
	if body[0] == '[' {
		var rows []json.RawMessage
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProviderMalformed, err)
		}
		return rows, nil
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderMalformed, err)
	}
	switch {
	case env.Players != nil:
		return env.Players, nil
	case env.Data != nil:
		return env.Data, nil
	}
	return nil, fmt.Errorf("%w: no players or data array", ErrProviderMalformed)
}

// decodeRow unmarshals and validates one raw roster row.
func decodeRow(raw json.RawMessage, now time.Time, topCutoff int) (model.Observation, *rejection) {
	var w wireRecord
	if err := json.Unmarshal(raw, &w); err != nil {
		return model.Observation{}, &rejection{"bad_row", err}
	}
	return w.toObservation(now, topCutoff)
}

// rejection explains why a row was dropped; reason doubles as a metric label.
type rejection struct {
	reason string
	err    error
}

func (r *rejection) Error() string { return r.reason + ": " + r.err.Error() }

// toObservation validates one row. now stamps rows without a timestamp.
func (w wireRecord) toObservation(now time.Time, topCutoff int) (model.Observation, *rejection) {
	id := strings.TrimSpace(string(w.ID))
	if id == "" {
		id = strings.TrimSpace(string(w.PersonID))
	}
	if id == "" {
		return model.Observation{}, &rejection{"missing_id", fmt.Errorf("row %q has no id", w.Name)}
	}

	status, err := model.ParseStatus(w.Status)
	if err != nil {
		return model.Observation{}, &rejection{"unknown_status", fmt.Errorf("entity %s: %w", id, err)}
	}

	observed := now
	if s := strings.TrimSpace(w.ObservedAt); s != "" {
		observed, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return model.Observation{}, &rejection{"bad_timestamp", fmt.Errorf("entity %s: %w", id, err)}
		}
	}

	team := w.Team
	if team == "" {
		team = w.TeamName
	}
	note := w.Note
	if note == "" {
		note = w.Reason
	}

	tier := model.TierFromRank(w.Rank, topCutoff)
	if w.Tier != "" {
		tier, err = model.ParseTier(w.Tier)
		if err != nil {
			return model.Observation{}, &rejection{"unknown_tier", fmt.Errorf("entity %s: %w", id, err)}
		}
	}

	return model.Observation{
		Entity: model.TrackedEntity{
			ID:       id,
			Name:     strings.TrimSpace(w.Name),
			Team:     strings.TrimSpace(team),
			Position: strings.TrimSpace(w.Position),
			Rank:     w.Rank,
			Tier:     tier,
		},
		Status:     status,
		Note:       strings.TrimSpace(note),
		ObservedAt: observed.UTC(),
	}, nil
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
