package handler

import (
	"fmt"
	"net/http"
	"sort"
	"time"
)

// Home serves a small HTML status page.
func (h *Handler) Home(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := statusPage(h.health(), time.Now()).Render(r.Context(), w); err != nil {
		h.logger.Error("rendering status page", "error", err)
	}
}

type breakerState struct {
	Name, State string
}

func sortedBreakers(m map[string]string) []breakerState {
	out := make([]breakerState, 0, len(m))
	for name, state := range m {
		out = append(out, breakerState{Name: name, State: state})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func referenceSummary(st Health, now time.Time) string {
	if st.FetchedAt.IsZero() {
		return "not loaded yet"
	}
	return fmt.Sprintf("version %d, %d stops, %d lines, fetched %s ago",
		st.GraphVersion, st.Stops, st.Lines, now.Sub(st.FetchedAt).Round(time.Minute))
}

func cacheSummary(st Health) string {
	return fmt.Sprintf("%d passages, %d line reports", st.Cache.Passages, st.Cache.Reports)
}
