package server

import (
	"fmt"

	"github.com/gobwas/glob"
	"github.com/rs/zerolog/log"

	"github.com/sportsed/sportsed/model"
)

// ChangeTrace logs dispatched changes for tables matching the configured
// glob patterns. An empty pattern list traces nothing.
type ChangeTrace struct {
	patterns []glob.Glob
}

func NewChangeTrace(patterns []string) (*ChangeTrace, error) {
	t := &ChangeTrace{}
	for _, pattern := range patterns {
		compiled, err := glob.Compile(pattern)
		if err != nil {
			return nil, model.NewValidationError(fmt.Sprintf("invalid trace pattern %q: %v", pattern, err))
		}
		t.patterns = append(t.patterns, compiled)
	}
	return t, nil
}

// Matches reports whether changes on the table are traced.
func (t *ChangeTrace) Matches(table string) bool {
	for _, pattern := range t.patterns {
		if pattern.Match(table) {
			return true
		}
	}
	return false
}

// Log writes one traced change at debug level.
func (t *ChangeTrace) Log(change model.Change) {
	if !t.Matches(change.Record.Table.Name()) {
		return
	}
	log.Debug().
		Str("table", change.Record.Table.Name()).
		Uint64("id", change.Record.Id).
		Uint64("revision", change.Revision).
		Str("type", change.Type.String()).
		Strs("fields", change.UpdatedFields).
		Msg("Change trace")
}
