package playback

import "regexp"

// pauseMarker matches an inline pause marker embedded in a free-text
// command blob: NAME:<name> | DESCRIBE:<describe> | PAUSE:<TRUE|FALSE>;
// grounded on original_source/apps/behemoth/const.py's PAUSE_RE_PATTERN.
var pauseMarker = regexp.MustCompile(`NAME:(.*?)\s*\|\s*DESCRIBE:(.*?)\s*\|\s*PAUSE:(.*?);`)

// ParsedCommand is one line recovered from a plan's free-text command
// import, already classified as a plain command or a pause boundary.
type ParsedCommand struct {
	Input    string
	Output   string
	IsPause  bool
	Continue bool // PAUSE:TRUE in the marker means the batch should keep going once resumed
}

// ParseCommandLine classifies a single free-text line the way
// original_source/apps/behemoth/serializers/plan.py::PlanSerializer._format
// does: a line matching the pause marker becomes a named pause boundary
// (input holds the name, output holds the description); anything else
// is a plain command whose text is the line itself.
func ParseCommandLine(line string) ParsedCommand {
	match := pauseMarker.FindStringSubmatch(line)
	if match == nil {
		return ParsedCommand{Input: line}
	}

	name, describe := match[1], match[2]
	if name == "" || describe == "" {
		return ParsedCommand{Input: line}
	}

	return ParsedCommand{
		Input:   name,
		Output:  describe,
		IsPause: true,
		Continue: match[3] == "TRUE",
	}
}

// ParseCommandLines classifies a batch of free-text lines in order,
// preserving the original index so callers can assign dense Command
// indices directly off the returned slice.
func ParseCommandLines(lines []string) []ParsedCommand {
	parsed := make([]ParsedCommand, len(lines))
	for i, line := range lines {
		parsed[i] = ParseCommandLine(line)
	}
	return parsed
}
