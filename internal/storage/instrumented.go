package storage

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/lesleslie/mahavishnu/internal/telemetry"
	"github.com/lesleslie/mahavishnu/internal/types"
)

var _ Store = (*Instrumented)(nil)

// Instrumented decorates a Store with spans and metrics per operation.
type Instrumented struct {
	inner  Store
	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
}

// Instrument wraps the store with telemetry. When telemetry is disabled the
// inner store is returned unchanged so the hot path keeps zero overhead.
func Instrument(inner Store, enabled bool) Store {
	if !enabled {
		return inner
	}

	meter := telemetry.Meter("")
	ops, _ := meter.Int64Counter("mahavishnu.storage.operations",
		metric.WithDescription("Storage operations started"))
	dur, _ := meter.Float64Histogram("mahavishnu.storage.operation.duration",
		metric.WithDescription("Storage operation duration"),
		metric.WithUnit("ms"))
	errs, _ := meter.Int64Counter("mahavishnu.storage.errors",
		metric.WithDescription("Storage operations that returned an error"))

	return &Instrumented{
		inner:  inner,
		tracer: telemetry.Tracer(""),
		ops:    ops,
		dur:    dur,
		errs:   errs,
	}
}

func (s *Instrumented) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	attrs = append(attrs, attribute.String("storage.operation", name))
	ctx, span := s.tracer.Start(ctx, "storage."+name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(attrs...))
	return ctx, span, time.Now()
}

func (s *Instrumented) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	s.dur.Record(ctx, float64(time.Since(start).Microseconds())/1000.0,
		metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

func (s *Instrumented) CreateTask(ctx context.Context, draft *types.Task, actor string) (*types.Task, error) {
	attrs := []attribute.KeyValue{attribute.String("task.repository", draft.Repository)}
	ctx, span, start := s.op(ctx, "create_task", attrs...)
	task, err := s.inner.CreateTask(ctx, draft, actor)
	s.done(ctx, span, start, err, attrs...)
	return task, err
}

func (s *Instrumented) CreateTasks(ctx context.Context, drafts []*types.Task, actor string) ([]*types.Task, error) {
	attrs := []attribute.KeyValue{attribute.Int("task.batch_size", len(drafts))}
	ctx, span, start := s.op(ctx, "create_tasks", attrs...)
	tasks, err := s.inner.CreateTasks(ctx, drafts, actor)
	s.done(ctx, span, start, err, attrs...)
	return tasks, err
}

func (s *Instrumented) GetTask(ctx context.Context, id string) (*types.Task, error) {
	attrs := []attribute.KeyValue{attribute.String("task.id", id)}
	ctx, span, start := s.op(ctx, "get_task", attrs...)
	task, err := s.inner.GetTask(ctx, id)
	s.done(ctx, span, start, err, attrs...)
	return task, err
}

func (s *Instrumented) GetTaskByExternalID(ctx context.Context, externalID string) (*types.Task, error) {
	attrs := []attribute.KeyValue{attribute.String("task.external_id", externalID)}
	ctx, span, start := s.op(ctx, "get_task_by_external_id", attrs...)
	task, err := s.inner.GetTaskByExternalID(ctx, externalID)
	s.done(ctx, span, start, err, attrs...)
	return task, err
}

func (s *Instrumented) UpdateTask(ctx context.Context, id string, patch map[string]interface{}, actor string) (*types.Task, error) {
	attrs := []attribute.KeyValue{attribute.String("task.id", id)}
	ctx, span, start := s.op(ctx, "update_task", attrs...)
	task, err := s.inner.UpdateTask(ctx, id, patch, actor)
	s.done(ctx, span, start, err, attrs...)
	return task, err
}

func (s *Instrumented) UpdateTaskStatusBatch(ctx context.Context, ids []string, status types.TaskStatus, actor string) (int, error) {
	attrs := []attribute.KeyValue{
		attribute.Int("task.batch_size", len(ids)),
		attribute.String("task.status", string(status)),
	}
	ctx, span, start := s.op(ctx, "update_task_status_batch", attrs...)
	n, err := s.inner.UpdateTaskStatusBatch(ctx, ids, status, actor)
	s.done(ctx, span, start, err, attrs...)
	return n, err
}

func (s *Instrumented) DeleteTask(ctx context.Context, id string, actor string) error {
	attrs := []attribute.KeyValue{attribute.String("task.id", id)}
	ctx, span, start := s.op(ctx, "delete_task", attrs...)
	err := s.inner.DeleteTask(ctx, id, actor)
	s.done(ctx, span, start, err, attrs...)
	return err
}

func (s *Instrumented) ListTasks(ctx context.Context, filter *types.TaskFilter) ([]*types.Task, error) {
	ctx, span, start := s.op(ctx, "list_tasks")
	tasks, err := s.inner.ListTasks(ctx, filter)
	s.done(ctx, span, start, err)
	return tasks, err
}

func (s *Instrumented) CountTasks(ctx context.Context, filter *types.TaskFilter) (int, error) {
	ctx, span, start := s.op(ctx, "count_tasks")
	n, err := s.inner.CountTasks(ctx, filter)
	s.done(ctx, span, start, err)
	return n, err
}

func (s *Instrumented) AddDependency(ctx context.Context, source, target string, depType types.DependencyType, actor string) (*types.Dependency, error) {
	attrs := []attribute.KeyValue{
		attribute.String("dependency.source", source),
		attribute.String("dependency.target", target),
		attribute.String("dependency.type", string(depType)),
	}
	ctx, span, start := s.op(ctx, "add_dependency", attrs...)
	dep, err := s.inner.AddDependency(ctx, source, target, depType, actor)
	s.done(ctx, span, start, err, attrs...)
	return dep, err
}

func (s *Instrumented) RemoveDependency(ctx context.Context, edgeID string, actor string) error {
	attrs := []attribute.KeyValue{attribute.String("dependency.id", edgeID)}
	ctx, span, start := s.op(ctx, "remove_dependency", attrs...)
	err := s.inner.RemoveDependency(ctx, edgeID, actor)
	s.done(ctx, span, start, err, attrs...)
	return err
}

func (s *Instrumented) Dependencies(ctx context.Context, taskID string) ([]*types.Dependency, error) {
	attrs := []attribute.KeyValue{attribute.String("task.id", taskID)}
	ctx, span, start := s.op(ctx, "dependencies", attrs...)
	deps, err := s.inner.Dependencies(ctx, taskID)
	s.done(ctx, span, start, err, attrs...)
	return deps, err
}

func (s *Instrumented) Dependents(ctx context.Context, taskID string) ([]*types.Dependency, error) {
	attrs := []attribute.KeyValue{attribute.String("task.id", taskID)}
	ctx, span, start := s.op(ctx, "dependents", attrs...)
	deps, err := s.inner.Dependents(ctx, taskID)
	s.done(ctx, span, start, err, attrs...)
	return deps, err
}

func (s *Instrumented) ListDependencies(ctx context.Context) ([]*types.Dependency, error) {
	ctx, span, start := s.op(ctx, "list_dependencies")
	deps, err := s.inner.ListDependencies(ctx)
	s.done(ctx, span, start, err)
	return deps, err
}

func (s *Instrumented) AppendEvent(ctx context.Context, ev *types.TaskEvent) (*types.TaskEvent, error) {
	attrs := []attribute.KeyValue{
		attribute.String("event.task_id", ev.TaskID),
		attribute.String("event.type", string(ev.Type)),
	}
	ctx, span, start := s.op(ctx, "append_event", attrs...)
	stored, err := s.inner.AppendEvent(ctx, ev)
	s.done(ctx, span, start, err, attrs...)
	return stored, err
}

func (s *Instrumented) EventsForTask(ctx context.Context, taskID string, q *types.EventQuery) ([]*types.TaskEvent, error) {
	attrs := []attribute.KeyValue{attribute.String("task.id", taskID)}
	ctx, span, start := s.op(ctx, "events_for_task", attrs...)
	events, err := s.inner.EventsForTask(ctx, taskID, q)
	s.done(ctx, span, start, err, attrs...)
	return events, err
}

func (s *Instrumented) EventByIdempotencyKey(ctx context.Context, key string) (*types.TaskEvent, error) {
	ctx, span, start := s.op(ctx, "event_by_idempotency_key")
	ev, err := s.inner.EventByIdempotencyKey(ctx, key)
	s.done(ctx, span, start, err)
	return ev, err
}

func (s *Instrumented) EventsByCorrelation(ctx context.Context, correlationID string) ([]*types.TaskEvent, error) {
	attrs := []attribute.KeyValue{attribute.String("event.correlation_id", correlationID)}
	ctx, span, start := s.op(ctx, "events_by_correlation", attrs...)
	events, err := s.inner.EventsByCorrelation(ctx, correlationID)
	s.done(ctx, span, start, err, attrs...)
	return events, err
}

func (s *Instrumented) EventsByType(ctx context.Context, t types.EventType, since *time.Time, limit int) ([]*types.TaskEvent, error) {
	attrs := []attribute.KeyValue{attribute.String("event.type", string(t))}
	ctx, span, start := s.op(ctx, "events_by_type", attrs...)
	events, err := s.inner.EventsByType(ctx, t, since, limit)
	s.done(ctx, span, start, err, attrs...)
	return events, err
}

func (s *Instrumented) EventsPage(ctx context.Context, afterID int64, since *time.Time, limit int) ([]*types.TaskEvent, error) {
	ctx, span, start := s.op(ctx, "events_page")
	events, err := s.inner.EventsPage(ctx, afterID, since, limit)
	s.done(ctx, span, start, err)
	return events, err
}

// Close is not instrumented; it runs once at shutdown.
func (s *Instrumented) Close() error {
	return s.inner.Close()
}
