package reader

import (
	"regexp"
	"strings"
)

var (
	vttTagPattern       = regexp.MustCompile(`<[^>]*>`)
	vttTimestampPattern = regexp.MustCompile(`^(\d{2}:)?\d{2}:\d{2}[.,]\d{3}\s+-->`)
)

// ParseVTT returns the spoken text of a WebVTT transcript. Headers, cue
// identifiers, timings, NOTE/STYLE blocks and inline tags are dropped;
// consecutive repeated lines (rolling captions) are collapsed.
func ParseVTT(raw string) string {
	normalized := strings.ReplaceAll(raw, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	blocks := strings.Split(normalized, "\n\n")

	lines := make([]string, 0, len(blocks))
	last := ""
	for _, block := range blocks {
		blockLines := strings.Split(strings.TrimSpace(block), "\n")
		if len(blockLines) == 0 || blockLines[0] == "" {
			continue
		}
		head := strings.TrimSpace(blockLines[0])
		if strings.HasPrefix(head, "WEBVTT") || strings.HasPrefix(head, "NOTE") ||
			strings.HasPrefix(head, "STYLE") || strings.HasPrefix(head, "REGION") {
			continue
		}

		cueStart := -1
		for i, line := range blockLines {
			if vttTimestampPattern.MatchString(strings.TrimSpace(line)) {
				cueStart = i + 1
				break
			}
		}
		if cueStart < 0 {
			continue
		}

		for _, line := range blockLines[cueStart:] {
			text := strings.Join(strings.Fields(vttTagPattern.ReplaceAllString(line, "")), " ")
			if text == "" || text == last {
				continue
			}
			lines = append(lines, text)
			last = text
		}
	}
	return strings.Join(lines, " ")
}
