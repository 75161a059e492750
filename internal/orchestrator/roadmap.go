package orchestrator

import (
	"regexp"
	"strings"

	"autopilot/internal/model"
)

// roadmapLine matches "1. Name" / "1) Name" / "Phase 1: Name" lines from
// the initialize command's result text.
var roadmapLine = regexp.MustCompile(`(?i)^(?:phase\s+)?(\d+)[.):]\s*(.+)$`)

// parseRoadmap turns the initialize command's free-text result into an
// ordered sequence of pending phases. Lines that don't match the
// numbered-list shape are ignored; a roadmap with no recognizable lines
// yields a single catch-all phase so the run still has something to do.
func parseRoadmap(resultText string) []*model.Phase {
	var phases []*model.Phase

	for _, line := range strings.Split(resultText, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		m := roadmapLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name := strings.TrimSpace(m[2])
		if name == "" {
			continue
		}
		phases = append(phases, model.NewPhase(len(phases)+1, name))
	}

	if len(phases) == 0 {
		phases = append(phases, model.NewPhase(1, "Implementation"))
	}

	return phases
}
