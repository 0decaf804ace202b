package agent

import (
	"encoding/json"
	"path"
	"strconv"
	"strings"
)

// Control lines an agent may print on stdout.
const (
	ProgressPrefix = "FANOUT_PROGRESS"
	ArtifactPrefix = "FANOUT_ARTIFACT"
)

// lineEvent is what one stdout line told us.
type lineEvent struct {
	progress int // -1 when absent
	stage    string
	artifact string
	result   string
}

// parseLine interprets a stdout line. Plain text yields an empty event.
// Lines that are Claude Code stream-json events yield a stage from the
// current tool action.
func parseLine(line string) lineEvent {
	ev := lineEvent{progress: -1}
	line = strings.TrimSpace(line)

	switch {
	case strings.HasPrefix(line, ProgressPrefix+" "):
		fields := strings.Fields(strings.TrimPrefix(line, ProgressPrefix))
		if len(fields) == 0 {
			return ev
		}
		pct, err := strconv.Atoi(strings.TrimSuffix(fields[0], "%"))
		if err != nil {
			return ev
		}
		ev.progress = clampPercent(pct)
		ev.stage = strings.Join(fields[1:], " ")
	case strings.HasPrefix(line, ArtifactPrefix+" "):
		ev.artifact = strings.TrimSpace(strings.TrimPrefix(line, ArtifactPrefix))
	case strings.HasPrefix(line, "{"):
		parseStreamJSON([]byte(line), &ev)
	}
	return ev
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func parseStreamJSON(data []byte, ev *lineEvent) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return
	}
	switch raw["type"] {
	case "assistant":
		ev.stage = toolAction(raw)
	case "result":
		if r, ok := raw["result"].(string); ok {
			ev.result = r
			if ref := artifactInText(r); ref != "" {
				ev.artifact = ref
			}
		}
	}
}

// artifactInText finds a FANOUT_ARTIFACT line inside free text.
func artifactInText(s string) string {
	for _, l := range strings.Split(s, "\n") {
		l = strings.TrimSpace(l)
		if strings.HasPrefix(l, ArtifactPrefix+" ") {
			return strings.TrimSpace(strings.TrimPrefix(l, ArtifactPrefix))
		}
	}
	return ""
}

// toolAction describes the first tool_use block of an assistant event.
func toolAction(raw map[string]any) string {
	var content []any
	if msg, ok := raw["message"].(map[string]any); ok {
		content, _ = msg["content"].([]any)
	} else {
		content, _ = raw["content"].([]any)
	}
	for _, item := range content {
		block, ok := item.(map[string]any)
		if !ok || block["type"] != "tool_use" {
			continue
		}
		name, _ := block["name"].(string)
		input, _ := block["input"].(map[string]any)
		return describeTool(name, input)
	}
	return ""
}

func describeTool(name string, input map[string]any) string {
	str := func(k string) string {
		s, _ := input[k].(string)
		return s
	}
	switch name {
	case "":
		return ""
	case "Read", "Edit", "Write":
		verb := map[string]string{"Read": "Reading", "Edit": "Editing", "Write": "Writing"}[name]
		if p := str("file_path"); p != "" {
			return verb + " " + shorten(path.Base(p))
		}
		return verb + " file"
	case "Bash":
		if f := strings.Fields(str("command")); len(f) > 0 {
			return "Running " + shorten(f[0])
		}
		return "Running command"
	case "Glob", "Grep":
		if p := str("pattern"); p != "" {
			return "Searching " + shorten(p)
		}
		return "Searching"
	default:
		return name
	}
}

func shorten(s string) string {
	if len(s) > 24 {
		return s[:21] + "..."
	}
	return s
}
