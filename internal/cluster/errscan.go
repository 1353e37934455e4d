package cluster

import "regexp"

var relionErrorPattern = regexp.MustCompile(`(?i)error|fatal|segmentation|killed|oom`)

// ScanErrorLines scans text line by line and returns at most maxMatches
// lines that look like tool-emitted error markers, in file order. Used to
// build the "relion_errors" context field during stage-error enrichment
// (spec §4.1 step 5).
func ScanErrorLines(text string, maxMatches int) []string {
	if maxMatches <= 0 {
		return nil
	}
	var matches []string
	for _, line := range splitLines(text) {
		if relionErrorPattern.MatchString(line) {
			matches = append(matches, line)
		}
	}
	if len(matches) > maxMatches {
		matches = matches[len(matches)-maxMatches:]
	}
	return matches
}
