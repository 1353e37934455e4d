package orchestrator

import (
	"github.com/relioncluster/pipeline-orchestrator/internal/domain"
)

// nextStage returns the stage that follows stage in the fixed main-
// pipeline order, or "" if stage is the last one.
func nextStage(stage domain.StageKey) domain.StageKey {
	for i, key := range domain.StageOrder {
		if key == stage && i+1 < len(domain.StageOrder) {
			return domain.StageOrder[i+1]
		}
	}
	return ""
}

// nextEnabledStage walks the main pipeline order starting just after
// stage, returning the first stage whose config is enabled, or "" if
// none remain.
func nextEnabledStage(session *domain.Session, stage domain.StageKey) domain.StageKey {
	enabled := map[domain.StageKey]bool{}
	for _, key := range session.EnabledStages() {
		enabled[key] = true
	}
	for cur := nextStage(stage); cur != ""; cur = nextStage(cur) {
		if enabled[cur] {
			return cur
		}
	}
	return ""
}

func previewCommand(cmd []string, maxLen int) string {
	joined := ""
	for i, part := range cmd {
		if i > 0 {
			joined += " "
		}
		joined += part
	}
	if len(joined) <= maxLen {
		return joined
	}
	return joined[:maxLen]
}
