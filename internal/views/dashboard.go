package views

import (
	"sort"
	"time"

	"github.com/lesleslie/mahavishnu/internal/types"
)

// Health classification for a repository.
const (
	HealthHealthy  = "HEALTHY"
	HealthWarning  = "WARNING"
	HealthCritical = "CRITICAL"
)

// Velocity trend labels.
const (
	TrendIncreasing = "increasing"
	TrendStable     = "stable"
	TrendDecreasing = "decreasing"
)

// staleAfter is how long a task may sit pending before it counts as stale.
const staleAfter = 14 * 24 * time.Hour

// criticalBlockedThreshold is how many high-or-critical blocked tasks tip a
// repo from WARNING to CRITICAL on urgency alone.
const criticalBlockedThreshold = 3

// Dashboard is the health view of one repository.
type Dashboard struct {
	Repository string `json:"repository"`

	StatusCounts   map[types.TaskStatus]int   `json:"status_counts"`
	PriorityCounts map[types.TaskPriority]int `json:"priority_counts"`
	TagCounts      map[string]int             `json:"tag_counts"`

	CreatedLast24h     int     `json:"created_last_24h"`
	CompletedLast24h   int     `json:"completed_last_24h"`
	CreatedLast7d      int     `json:"created_last_7d"`
	CompletedLast7d    int     `json:"completed_last_7d"`
	AvgCompletionHours float64 `json:"avg_completion_hours"`
	VelocityTrend      string  `json:"velocity_trend"`

	BlockedCount int `json:"blocked_count"`
	OverdueCount int `json:"overdue_count"`
	StaleCount   int `json:"stale_count"`

	Health        string   `json:"health"`
	AtRiskTaskIDs []string `json:"at_risk_task_ids"`
}

// BuildDashboard summarises one repository's tasks at the given instant.
// Empty input yields a HEALTHY dashboard with zeroed counters.
func BuildDashboard(repository string, tasks []*types.Task, now time.Time) *Dashboard {
	d := &Dashboard{
		Repository:     repository,
		StatusCounts:   make(map[types.TaskStatus]int),
		PriorityCounts: make(map[types.TaskPriority]int),
		TagCounts:      make(map[string]int),
		VelocityTrend:  TrendStable,
		Health:         HealthHealthy,
	}

	dayAgo := now.Add(-24 * time.Hour)
	weekAgo := now.AddDate(0, 0, -7)
	atRisk := make(map[string]bool)

	var completionHours float64
	var completions int
	var urgentBlocked int

	for _, t := range tasks {
		d.StatusCounts[t.Status]++
		d.PriorityCounts[t.Priority]++
		for _, tag := range t.Tags {
			d.TagCounts[tag]++
		}

		if t.CreatedAt.After(dayAgo) {
			d.CreatedLast24h++
		}
		if t.CreatedAt.After(weekAgo) {
			d.CreatedLast7d++
		}
		if t.CompletedAt != nil {
			if t.CompletedAt.After(dayAgo) {
				d.CompletedLast24h++
			}
			if t.CompletedAt.After(weekAgo) {
				d.CompletedLast7d++
			}
			completionHours += t.CompletedAt.Sub(t.CreatedAt).Hours()
			completions++
		}

		switch {
		case t.Status == types.StatusBlocked:
			d.BlockedCount++
			atRisk[t.ID] = true
			if t.Priority == types.PriorityHigh || t.Priority == types.PriorityCritical {
				urgentBlocked++
			}
		case t.Overdue(now):
			d.OverdueCount++
			atRisk[t.ID] = true
		case t.Status == types.StatusPending && now.Sub(t.CreatedAt) > staleAfter:
			d.StaleCount++
			atRisk[t.ID] = true
		}
	}

	if completions > 0 {
		d.AvgCompletionHours = completionHours / float64(completions)
	}
	d.VelocityTrend = velocityTrend(d.CompletedLast7d, d.CreatedLast7d)
	d.AtRiskTaskIDs = sortedIDs(atRisk)
	d.Health = classify(len(tasks), d.BlockedCount, d.OverdueCount, d.StaleCount, urgentBlocked)
	return d
}

// velocityTrend compares the last week's completions to its intake.
func velocityTrend(completed7d, created7d int) string {
	if created7d == 0 {
		if completed7d > 0 {
			return TrendIncreasing
		}
		return TrendStable
	}
	ratio := float64(completed7d) / float64(created7d)
	switch {
	case ratio >= 0.8:
		return TrendIncreasing
	case ratio < 0.5:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

func classify(total, blocked, overdue, stale, urgentBlocked int) string {
	if total == 0 {
		return HealthHealthy
	}
	blockedRate := float64(blocked) / float64(total)
	riskCount := blocked + overdue + stale
	riskHigh := riskCount*2 >= total && riskCount >= 5

	switch {
	case blockedRate >= 0.25, riskHigh, urgentBlocked >= criticalBlockedThreshold:
		return HealthCritical
	case blockedRate >= 0.10, riskCount > 0, urgentBlocked > 0:
		return HealthWarning
	default:
		return HealthHealthy
	}
}

func sortedIDs(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
