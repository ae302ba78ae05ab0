// Package importer turns external issues into tasks. A configurable filter
// decides what comes in; successful imports are recorded as issue mappings
// and deduplicated so repeated deliveries of the same issue create one task.
package importer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lesleslie/mahavishnu/internal/storage"
	"github.com/lesleslie/mahavishnu/internal/types"
)

// Filter is the import policy. Empty allow-lists admit everything.
type Filter struct {
	Repositories []string
	Labels       []string
	SkipClosed   bool
}

// Accepts reports whether the issue passes the filter, with a reason when it
// does not.
func (f *Filter) Accepts(issue *types.ExternalIssue) (bool, string) {
	if f.SkipClosed && issue.State != "open" && issue.State != "opened" {
		return false, fmt.Sprintf("issue state %q is not open", issue.State)
	}
	if len(f.Repositories) > 0 && !contains(f.Repositories, issue.Repository) {
		return false, fmt.Sprintf("repository %q not in allow-list", issue.Repository)
	}
	if len(f.Labels) > 0 {
		for _, l := range issue.Labels {
			if contains(f.Labels, l) {
				return true, ""
			}
		}
		return false, "no label in allow-list"
	}
	return true, ""
}

func contains(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// BatchResult accumulates per-issue outcomes of an ImportBatch.
type BatchResult struct {
	Imported int
	Skipped  int
	Failed   int
	TaskIDs  []string
	Errors   []error
}

// Importer creates tasks from external issues. Safe for concurrent use; the
// filter is hot-swappable via SetFilter.
type Importer struct {
	store storage.Store
	log   logrus.FieldLogger

	mu       sync.RWMutex
	filter   Filter
	seen     map[string]bool
	mappings map[string]types.IssueMapping
}

// New builds an importer with the given initial filter.
func New(store storage.Store, log logrus.FieldLogger, filter Filter) *Importer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Importer{
		store:    store,
		log:      log,
		filter:   filter,
		seen:     make(map[string]bool),
		mappings: make(map[string]types.IssueMapping),
	}
}

// SetFilter swaps the import policy at runtime. The config watcher calls this
// on reload.
func (i *Importer) SetFilter(f Filter) {
	i.mu.Lock()
	i.filter = f
	i.mu.Unlock()
	i.log.WithFields(logrus.Fields{
		"repositories": f.Repositories,
		"labels":       f.Labels,
		"skip_closed":  f.SkipClosed,
	}).Info("import filter updated")
}

// Filter returns the current policy.
func (i *Importer) Filter() Filter {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.filter
}

// Import creates a task for the issue. It returns (task, true, nil) on
// import, (nil, false, nil) when the filter or dedup set skips the issue,
// and an error when task creation fails. A filtered-out issue is not added
// to the dedup set, so a later delivery of the same issue with different
// labels can still import.
func (i *Importer) Import(ctx context.Context, issue *types.ExternalIssue) (*types.Task, bool, error) {
	key := issue.Source + ":" + issue.ExternalID

	i.mu.RLock()
	dup := i.seen[key]
	filter := i.filter
	i.mu.RUnlock()

	if dup {
		i.log.WithField("issue", key).Debug("issue already imported")
		return nil, false, nil
	}
	if ok, reason := filter.Accepts(issue); !ok {
		i.log.WithFields(logrus.Fields{"issue": key, "reason": reason}).Debug("issue skipped")
		return nil, false, nil
	}

	externalID := issue.ExternalID
	task := &types.Task{
		Title:       issue.Title,
		Description: issue.Description,
		Repository:  issue.Repository,
		Status:      types.StatusPending,
		Priority:    types.PriorityMedium,
		Tags:        types.NormalizeTags(issue.Labels),
		ExternalID:  &externalID,
		CreatedBy:   issue.Author,
		Metadata: map[string]string{
			"external_source": issue.Source,
			"external_id":     issue.ExternalID,
			"external_url":    issue.URL,
		},
	}
	created, err := i.store.CreateTask(ctx, task, "importer")
	if err != nil {
		return nil, false, fmt.Errorf("importer: create task for %s: %w", key, err)
	}

	mapping := types.IssueMapping{
		Source:     issue.Source,
		ExternalID: issue.ExternalID,
		TaskID:     created.ID,
		Repository: issue.Repository,
		MappedAt:   time.Now().UTC(),
		Approved:   true,
	}
	i.mu.Lock()
	i.seen[key] = true
	i.mappings[key] = mapping
	i.mu.Unlock()

	i.log.WithFields(logrus.Fields{
		"issue":   key,
		"task_id": created.ID,
		"repo":    issue.Repository,
	}).Info("issue imported")
	return created, true, nil
}

// ImportBatch imports a slice of issues and accumulates counters. Individual
// failures do not stop the batch.
func (i *Importer) ImportBatch(ctx context.Context, issues []*types.ExternalIssue) *BatchResult {
	res := &BatchResult{}
	for _, issue := range issues {
		task, imported, err := i.Import(ctx, issue)
		switch {
		case err != nil:
			res.Failed++
			res.Errors = append(res.Errors, err)
		case imported:
			res.Imported++
			res.TaskIDs = append(res.TaskIDs, task.ID)
		default:
			res.Skipped++
		}
	}
	return res
}

// Mapping looks up the task created for an external issue.
func (i *Importer) Mapping(source, externalID string) (types.IssueMapping, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	m, ok := i.mappings[source+":"+externalID]
	return m, ok
}

// Mappings returns all recorded mappings.
func (i *Importer) Mappings() []types.IssueMapping {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]types.IssueMapping, 0, len(i.mappings))
	for _, m := range i.mappings {
		out = append(out, m)
	}
	return out
}
