package model

import (
	"fmt"
	"strings"
)

// Status is the availability state of a tracked entity.
type Status string

// Known statuses ordered by severity.
const (
	StatusActive       Status = "active"
	StatusQuestionable Status = "questionable"
	StatusDoubtful     Status = "doubtful"
	StatusOut          Status = "out"
)

var severities = map[Status]int{
	StatusActive:       0,
	StatusQuestionable: 1,
	StatusDoubtful:     2,
	StatusOut:          3,
}

// provider spellings seen in injury feeds
var statusAliases = map[string]Status{
	"active":       StatusActive,
	"available":    StatusActive,
	"probable":     StatusActive,
	"healthy":      StatusActive,
	"questionable": StatusQuestionable,
	"day-to-day":   StatusQuestionable,
	"day to day":   StatusQuestionable,
	"gtd":          StatusQuestionable,
	"doubtful":     StatusDoubtful,
	"out":          StatusOut,
	"injured":      StatusOut,
	"inactive":     StatusOut,
	"suspended":    StatusOut,
}

// ParseStatus normalizes a provider status string.
func ParseStatus(s string) (Status, error) {
	if st, ok := statusAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	_, ok := severities[s]
	return ok
}

// Severity orders statuses; higher is worse.
func (s Status) Severity() int {
	if v, ok := severities[s]; ok {
		return v
	}
	return -1
}

// Nominal reports whether the status is the healthy baseline.
func (s Status) Nominal() bool {
	return s == StatusActive
}

// Label is the upper-case form used in notification text.
func (s Status) Label() string {
	return strings.ToUpper(string(s))
}
