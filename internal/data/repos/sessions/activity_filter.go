package sessions

import (
	"strings"

	"github.com/relioncluster/pipeline-orchestrator/internal/domain"
)

// ActivityFilter narrows a session's activity log for the Control API's
// GET .../activity endpoint (a supplemented feature: spec.md describes
// the activity log's shape but not query filtering).
type ActivityFilter struct {
	Level     domain.ActivityLevel // zero value matches any level
	Stage     string                // zero value matches any stage
	Substring string                // matched case-insensitively against event+message
}

func FilterActivity(entries []domain.ActivityEntry, f ActivityFilter) []domain.ActivityEntry {
	if f.Level == "" && f.Stage == "" && f.Substring == "" {
		return entries
	}
	needle := strings.ToLower(f.Substring)
	out := make([]domain.ActivityEntry, 0, len(entries))
	for _, e := range entries {
		if f.Level != "" && e.Level != f.Level {
			continue
		}
		if f.Stage != "" && e.Stage != f.Stage {
			continue
		}
		if needle != "" &&
			!strings.Contains(strings.ToLower(e.Event), needle) &&
			!strings.Contains(strings.ToLower(e.Message), needle) {
			continue
		}
		out = append(out, e)
	}
	return out
}
