package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nugget/atrium/internal/auth"
	"github.com/nugget/atrium/internal/usage"
)

// UsageReports is the read side of the usage log.
type UsageReports interface {
	Summary(ctx context.Context, orgID string, start, end time.Time) (*usage.Summary, error)
	SummaryByModel(ctx context.Context, orgID string, start, end time.Time) (map[string]*usage.Summary, error)
	SummaryByUser(ctx context.Context, orgID string, start, end time.Time) (map[string]*usage.Summary, error)
}

// RegisterUsageTools adds usage_summary. Only admins may call it.
func (r *Registry) RegisterUsageTools(reports UsageReports, now func() time.Time) {
	if reports == nil {
		return
	}
	if now == nil {
		now = time.Now
	}

	r.Register(&Tool{
		Name:        "usage_summary",
		Description: "Summarize the organization's assistant usage: requests, tokens and estimated cost, optionally grouped by model or user. Administrators only.",
		Input: Schema{
			Properties: map[string]Property{
				"period":   Enum("Time period to summarize.", "today", "yesterday", "week", "month", "all"),
				"group_by": Enum("Optional breakdown.", "model", "user"),
			},
			Required: []string{"period"},
		},
		Handler: func(ctx context.Context, p auth.Principal, args map[string]any) Result {
			if p.Role != auth.RoleAdmin {
				return Fail("usage_summary is only available to organization administrators")
			}
			period := argString(args, "period")
			groupBy := argString(args, "group_by")
			start, end := usage.ParsePeriod(period, now())

			sum, err := reports.Summary(ctx, p.OrgID, start, end)
			if err != nil {
				return downstreamFailure(ctx, r.logger, "usage_summary", "usage", err)
			}

			var sb strings.Builder
			fmt.Fprintf(&sb, "Usage summary (%s):\n", period)
			fmt.Fprintf(&sb, "  Total requests: %d\n", sum.TotalRecords)
			fmt.Fprintf(&sb, "  Input tokens: %s\n", formatTokenCount(sum.TotalInputTokens))
			fmt.Fprintf(&sb, "  Output tokens: %s\n", formatTokenCount(sum.TotalOutputTokens))
			fmt.Fprintf(&sb, "  Estimated cost: $%.4f\n", sum.TotalCostUSD)

			if groupBy != "" {
				grouped, label, err := queryGrouped(ctx, reports, groupBy, p.OrgID, start, end)
				if err != nil {
					return downstreamFailure(ctx, r.logger, "usage_summary", "usage", err)
				}
				keys := make([]string, 0, len(grouped))
				for k := range grouped {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				if len(keys) > 0 {
					fmt.Fprintf(&sb, "\nBy %s:\n", label)
				}
				for _, key := range keys {
					s := grouped[key]
					display := key
					if display == "" {
						display = "(none)"
					}
					fmt.Fprintf(&sb, "  %s: $%.4f (%d requests, %s in / %s out)\n",
						display, s.TotalCostUSD, s.TotalRecords,
						formatTokenCount(s.TotalInputTokens),
						formatTokenCount(s.TotalOutputTokens))
				}
			}
			return OK(sb.String())
		},
	})
}

func queryGrouped(ctx context.Context, reports UsageReports, groupBy, orgID string, start, end time.Time) (map[string]*usage.Summary, string, error) {
	switch groupBy {
	case "model":
		result, err := reports.SummaryByModel(ctx, orgID, start, end)
		return result, "model", err
	case "user":
		result, err := reports.SummaryByUser(ctx, orgID, start, end)
		return result, "user", err
	default:
		return nil, "", nil
	}
}

// formatTokenCount formats a token count compactly ("1.23M", "456.0K", "789").
func formatTokenCount(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.2fM", float64(n)/1_000_000.0)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000.0)
	}
	return fmt.Sprintf("%d", n)
}
