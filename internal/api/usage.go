package api

import (
	"net/http"
	"slices"
	"time"

	"github.com/nugget/atrium/internal/apperr"
	"github.com/nugget/atrium/internal/auth"
	"github.com/nugget/atrium/internal/usage"
)

type usageSummaryResponse struct {
	Start   time.Time                 `json:"start"`
	End     time.Time                 `json:"end"`
	Summary *usage.Summary            `json:"summary"`
	GroupBy string                    `json:"group_by,omitempty"`
	Groups  map[string]*usage.Summary `json:"groups,omitempty"`
}

// handleUsageSummary reports the caller's organization's token totals.
// The window is either a named period or explicit RFC 3339 from/to
// bounds; it defaults to the last month.
func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	if p.Role != auth.RoleAdmin {
		s.writeError(w, r, apperr.Forbidden("usage reports are only available to organization administrators"))
		return
	}

	start, end, fields := usageWindow(r, s.now())
	groupBy := r.URL.Query().Get("group_by")
	switch groupBy {
	case "", "model", "user":
	default:
		fields["group_by"] = "must be model or user"
	}
	if len(fields) > 0 {
		s.writeError(w, r, apperr.Validation("invalid usage query", fields))
		return
	}

	sum, err := s.usage.Summary(r.Context(), p.OrgID, start, end)
	if err != nil {
		s.writeError(w, r, apperr.Internal(err))
		return
	}
	resp := usageSummaryResponse{Start: start, End: end, Summary: sum, GroupBy: groupBy}

	switch groupBy {
	case "model":
		resp.Groups, err = s.usage.SummaryByModel(r.Context(), p.OrgID, start, end)
	case "user":
		resp.Groups, err = s.usage.SummaryByUser(r.Context(), p.OrgID, start, end)
	}
	if err != nil {
		s.writeError(w, r, apperr.Internal(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

// usageWindow resolves the query's time window. Problems are returned
// per field.
func usageWindow(r *http.Request, now time.Time) (time.Time, time.Time, map[string]string) {
	q := r.URL.Query()
	fields := make(map[string]string)

	from, to := q.Get("from"), q.Get("to")
	if from == "" && to == "" {
		period := q.Get("period")
		if period == "" {
			period = "month"
		}
		if !slices.Contains(usage.Periods, period) {
			fields["period"] = "must be one of today, yesterday, week, month, all"
			return time.Time{}, time.Time{}, fields
		}
		start, end := usage.ParsePeriod(period, now)
		return start, end, fields
	}

	var start, end time.Time
	var err error
	if from != "" {
		if start, err = time.Parse(time.RFC3339, from); err != nil {
			fields["from"] = "must be an RFC 3339 timestamp"
		}
	}
	end = now.Add(time.Minute)
	if to != "" {
		if end, err = time.Parse(time.RFC3339, to); err != nil {
			fields["to"] = "must be an RFC 3339 timestamp"
		}
	}
	if len(fields) == 0 && !end.After(start) {
		fields["to"] = "must be after from"
	}
	return start, end, fields
}
