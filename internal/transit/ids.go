package transit

import "strings"

// Key returns the canonical key of an operator identifier: the last
// non-empty ':'-separated segment. All identifier schemes in use
// (STIF:StopPoint:Q:41178:, IDFM:41178, stop_point:IDFM:monomodalStopPlace:41178,
// STIF:Line::C01742:, line:IDFM:C01742) reduce to the same bare code.
func Key(raw string) string {
	raw = strings.TrimSpace(raw)
	parts := strings.Split(raw, ":")
	for i := len(parts) - 1; i >= 0; i-- {
		if p := strings.TrimSpace(parts[i]); p != "" {
			return p
		}
	}
	return ""
}
