package resolver

import (
	"errors"
	"fmt"
)

var (
	// ErrPreferenceResolution marks a subscription that cannot be evaluated.
	ErrPreferenceResolution = errors.New("preference resolution failed")

	// ErrSubscriptionsUnavailable means no scope could be looked up at all.
	ErrSubscriptionsUnavailable = errors.New("subscriptions unavailable")
)

// PreferenceResolutionError describes one skipped subscription.
type PreferenceResolutionError struct {
	SubscriptionID string
	UserID         string
	Reason         string
	Err            error
}

func (e *PreferenceResolutionError) Error() string {
	return fmt.Sprintf("subscription %s (user %s): %s: %v", e.SubscriptionID, e.UserID, e.Reason, e.Err)
}

func (e *PreferenceResolutionError) Unwrap() error { return e.Err }

// Is makes every PreferenceResolutionError match ErrPreferenceResolution.
func (e *PreferenceResolutionError) Is(target error) bool {
	return target == ErrPreferenceResolution
}
