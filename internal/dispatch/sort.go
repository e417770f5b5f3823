package dispatch

import (
	"sort"

	"github.com/okian/statuswatch/internal/domain/model"
)

// sortIntents orders intents by creation time, then id.
func sortIntents(in []model.Intent) {
	sort.Slice(in, func(i, j int) bool {
		if !in[i].CreatedAt.Equal(in[j].CreatedAt) {
			return in[i].CreatedAt.Before(in[j].CreatedAt)
		}
		return in[i].ID < in[j].ID
	})
}
