package views

import (
	"sort"
	"strings"
	"time"

	"github.com/lesleslie/mahavishnu/internal/types"
)

// DefaultPageSize applies when a Refinement leaves PageSize at zero.
const DefaultPageSize = 50

// Refinement narrows a task slice beyond what the store filter can express:
// multiple statuses and priorities, ANY-tag match, date ranges, free-text
// search over chosen fields, and paginated sorting.
type Refinement struct {
	Statuses   []types.TaskStatus
	Priorities []types.TaskPriority

	// AnyTags matches tasks carrying at least one of the tags, unlike the
	// store filter's every-tag intersection.
	AnyTags []string

	// LastNDays restricts to tasks created within the window; Start/End
	// are the explicit alternative and win when set.
	LastNDays int
	Start     *time.Time
	End       *time.Time

	// Text is a case-insensitive substring match over TextFields
	// (title, description, tags by default).
	Text       string
	TextFields []string

	ExcludeCompleted bool

	// SortBy is one of priority, status, created_at, updated_at, due_date,
	// title. Unknown keys fall back to created_at.
	SortBy     string
	Descending bool

	Page     int
	PageSize int
}

// FilterResult is one page of refined tasks.
type FilterResult struct {
	Tasks      []*types.Task `json:"tasks"`
	TotalCount int           `json:"total_count"`
	Page       int           `json:"page"`
	PageSize   int           `json:"page_size"`
	TotalPages int           `json:"total_pages"`
	HasMore    bool          `json:"has_more"`
}

// statusOrder fixes the categorical sort: stuck work first.
var statusOrder = map[types.TaskStatus]int{
	types.StatusBlocked:    0,
	types.StatusInProgress: 1,
	types.StatusPending:    2,
	types.StatusCompleted:  3,
	types.StatusCancelled:  4,
	types.StatusFailed:     5,
}

// Refine filters, sorts, and paginates in memory. The page number is clamped
// into [1, total_pages] so callers can never walk off the end.
func Refine(tasks []*types.Task, r Refinement, now time.Time) *FilterResult {
	matched := make([]*types.Task, 0, len(tasks))
	for _, t := range tasks {
		if r.matches(t, now) {
			matched = append(matched, t)
		}
	}
	r.sortTasks(matched)

	pageSize := r.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	totalPages := (len(matched) + pageSize - 1) / pageSize
	if totalPages == 0 {
		totalPages = 1
	}
	page := r.Page
	if page < 1 {
		page = 1
	}
	if page > totalPages {
		page = totalPages
	}

	start := (page - 1) * pageSize
	end := start + pageSize
	if start > len(matched) {
		start = len(matched)
	}
	if end > len(matched) {
		end = len(matched)
	}

	return &FilterResult{
		Tasks:      matched[start:end],
		TotalCount: len(matched),
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
		HasMore:    page < totalPages,
	}
}

func (r *Refinement) matches(t *types.Task, now time.Time) bool {
	if r.ExcludeCompleted && t.Status == types.StatusCompleted {
		return false
	}
	if len(r.Statuses) > 0 && !containsStatus(r.Statuses, t.Status) {
		return false
	}
	if len(r.Priorities) > 0 && !containsPriority(r.Priorities, t.Priority) {
		return false
	}
	if len(r.AnyTags) > 0 {
		any := false
		for _, tag := range r.AnyTags {
			if t.HasTag(tag) {
				any = true
				break
			}
		}
		if !any {
			return false
		}
	}
	if start, end := r.window(now); start != nil || end != nil {
		if start != nil && t.CreatedAt.Before(*start) {
			return false
		}
		if end != nil && t.CreatedAt.After(*end) {
			return false
		}
	}
	if r.Text != "" && !r.textMatches(t) {
		return false
	}
	return true
}

func (r *Refinement) window(now time.Time) (*time.Time, *time.Time) {
	if r.Start != nil || r.End != nil {
		return r.Start, r.End
	}
	if r.LastNDays > 0 {
		start := now.AddDate(0, 0, -r.LastNDays)
		return &start, nil
	}
	return nil, nil
}

func (r *Refinement) textMatches(t *types.Task) bool {
	fields := r.TextFields
	if len(fields) == 0 {
		fields = []string{"title", "description", "tags"}
	}
	needle := strings.ToLower(r.Text)
	for _, f := range fields {
		var haystack string
		switch f {
		case "title":
			haystack = t.Title
		case "description":
			haystack = t.Description
		case "tags":
			haystack = strings.Join(t.Tags, " ")
		case "assignee":
			haystack = t.Assignee
		}
		if strings.Contains(strings.ToLower(haystack), needle) {
			return true
		}
	}
	return false
}

func (r *Refinement) sortTasks(tasks []*types.Task) {
	less := func(a, b *types.Task) bool {
		switch r.SortBy {
		case "priority":
			if a.Priority.Rank() != b.Priority.Rank() {
				return a.Priority.Rank() < b.Priority.Rank()
			}
		case "status":
			if statusOrder[a.Status] != statusOrder[b.Status] {
				return statusOrder[a.Status] < statusOrder[b.Status]
			}
		case "updated_at":
			if !a.UpdatedAt.Equal(b.UpdatedAt) {
				return a.UpdatedAt.Before(b.UpdatedAt)
			}
		case "due_date":
			// Tasks without a due date sort last either direction.
			switch {
			case a.DueDate == nil && b.DueDate != nil:
				return false
			case a.DueDate != nil && b.DueDate == nil:
				return true
			case a.DueDate != nil && b.DueDate != nil && !a.DueDate.Equal(*b.DueDate):
				return a.DueDate.Before(*b.DueDate)
			}
		case "title":
			if a.Title != b.Title {
				return a.Title < b.Title
			}
		default:
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
		}
		return a.ID < b.ID
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		if r.Descending {
			return less(tasks[j], tasks[i])
		}
		return less(tasks[i], tasks[j])
	})
}

func containsStatus(set []types.TaskStatus, s types.TaskStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func containsPriority(set []types.TaskPriority, p types.TaskPriority) bool {
	for _, v := range set {
		if v == p {
			return true
		}
	}
	return false
}
