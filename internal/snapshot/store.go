// Package snapshot owns the identity, uniqueness and supersession rules for
// metric snapshots keyed by (definition, period, dimension set). Physical
// storage is delegated to a Repository.
package snapshot

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"metricsnap/internal/dimensions"
	"metricsnap/internal/logger"
	"metricsnap/internal/models"
	"metricsnap/internal/monitoring"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Config tunes the store.
type Config struct {
	// MaxAttempts bounds the conflict retries of RecordSnapshot.
	MaxAttempts int
	// Timeout bounds every store operation.
	Timeout time.Duration
}

// Store enforces snapshot identity and supersession. It keeps no snapshot
// state of its own and is safe for concurrent use.
type Store struct {
	repo      Repository
	defs      DefinitionProvider
	cfg       Config
	log       *logger.Logger
	tracer    trace.Tracer
	publisher Publisher

	now   func() time.Time
	newID func() string
}

// NewStore creates a store over repo and defs.
func NewStore(repo Repository, defs DefinitionProvider, cfg Config, log *logger.Logger) *Store {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Store{
		repo:   repo,
		defs:   defs,
		cfg:    cfg,
		log:    log.With("component", "SnapshotStore"),
		tracer: otel.Tracer("metricsnap/internal/snapshot"),
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// SetPublisher registers p to receive every recorded snapshot.
func (s *Store) SetPublisher(p Publisher) {
	s.publisher = p
}

// Query is the input of QueryByPeriodRange.
type Query struct {
	DefinitionID string
	RangeStart   time.Time
	RangeEnd     time.Time
	Filter       dimensions.Set
}

// RecordSnapshot validates req and stores it as the snapshot for its key,
// superseding any prior snapshot for the same key.
func (s *Store) RecordSnapshot(ctx context.Context, req RecordRequest) (*models.Snapshot, error) {
	ctx, span := s.tracer.Start(ctx, "snapshot.Record",
		trace.WithAttributes(attribute.String("metric.definition_id", req.DefinitionID)))
	defer span.End()
	defer s.observe("record", time.Now())

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	req = req.normalize()
	if errs := ValidateRecord(req); len(errs) > 0 {
		return nil, s.fail(span, "record", &ValidationError{Fields: errs})
	}

	version, err := s.stampVersion(ctx, req)
	if err != nil {
		return nil, s.fail(span, "record", err)
	}

	key := models.SnapshotKey{
		DefinitionID:   req.DefinitionID,
		PeriodStart:    req.PeriodStart,
		PeriodEnd:      req.PeriodEnd,
		DimensionsHash: req.Dimensions.Hash(),
	}
	span.SetAttributes(attribute.String("metric.dimensions_hash", key.DimensionsHash))

	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		next := s.build(req, key, version)

		prior, err := s.repo.GetByKey(ctx, key)
		switch {
		case errors.Is(err, ErrNotFound):
			next.Revision = 1
			err = s.repo.Insert(ctx, next)
			if err == nil {
				s.recorded(next, monitoring.OutcomeCreated)
				return next, nil
			}
		case err != nil:
			return nil, s.fail(span, "record", s.unavailable("record", attempt, err))
		default:
			next.Revision = prior.Revision + 1
			err = s.repo.Replace(ctx, prior, next)
			if err == nil {
				s.log.Debug("snapshot superseded",
					"key", key.String(),
					"replaced_id", prior.ID,
					"id", next.ID,
					"revision", next.Revision,
				)
				s.recorded(next, monitoring.OutcomeSuperseded)
				return next, nil
			}
		}

		if !errors.Is(err, ErrConflict) {
			return nil, s.fail(span, "record", s.unavailable("record", attempt, err))
		}
		monitoring.ConflictRetries.Inc()
		span.AddEvent("conflict", trace.WithAttributes(attribute.Int("attempt", attempt)))
		s.log.Debug("concurrent write on snapshot key, retrying", "key", key.String(), "attempt", attempt)
	}

	return nil, s.fail(span, "record", &StoreUnavailableError{Op: "record", Attempts: s.cfg.MaxAttempts, Err: ErrConflict})
}

// GetSnapshot returns the snapshot stored for the exact key. A missing key is
// reported as a *NotFoundError.
func (s *Store) GetSnapshot(ctx context.Context, definitionID string, periodStart, periodEnd time.Time, dims dimensions.Set) (*models.Snapshot, error) {
	ctx, span := s.tracer.Start(ctx, "snapshot.Get",
		trace.WithAttributes(attribute.String("metric.definition_id", definitionID)))
	defer span.End()
	defer s.observe("get", time.Now())

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := dims.Validate(); err != nil {
		return nil, s.fail(span, "get", dimensionError(err))
	}

	key := models.SnapshotKey{
		DefinitionID:   strings.TrimSpace(definitionID),
		PeriodStart:    periodStart.UTC(),
		PeriodEnd:      periodEnd.UTC(),
		DimensionsHash: dims.Hash(),
	}
	// Recorded periods are microsecond aligned, so a finer time names no key.
	if !microAligned(key.PeriodStart) || !microAligned(key.PeriodEnd) {
		return nil, &NotFoundError{Resource: "snapshot", ID: key.String()}
	}
	snap, err := s.repo.GetByKey(ctx, key)
	if errors.Is(err, ErrNotFound) {
		// Expected negative result; not counted as an error.
		return nil, &NotFoundError{Resource: "snapshot", ID: key.String()}
	}
	if err != nil {
		return nil, s.fail(span, "get", s.unavailable("get", 1, err))
	}
	return snap, nil
}

// GetSnapshotByID returns the snapshot with the given id.
func (s *Store) GetSnapshotByID(ctx context.Context, id string) (*models.Snapshot, error) {
	ctx, span := s.tracer.Start(ctx, "snapshot.GetByID", trace.WithAttributes(attribute.String("snapshot.id", id)))
	defer span.End()
	defer s.observe("get_by_id", time.Now())

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	snap, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, &NotFoundError{Resource: "snapshot", ID: id}
	}
	if err != nil {
		return nil, s.fail(span, "get_by_id", s.unavailable("get_by_id", 1, err))
	}
	return snap, nil
}

// MarkValidated sets the validated flag of a snapshot. Repeating the call
// with the same value has no further effect.
func (s *Store) MarkValidated(ctx context.Context, id string, validated bool) error {
	ctx, span := s.tracer.Start(ctx, "snapshot.MarkValidated",
		trace.WithAttributes(attribute.String("snapshot.id", id), attribute.Bool("snapshot.validated", validated)))
	defer span.End()
	defer s.observe("mark_validated", time.Now())

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err := s.repo.SetValidated(ctx, id, validated)
	if errors.Is(err, ErrNotFound) {
		return s.fail(span, "mark_validated", &NotFoundError{Resource: "snapshot", ID: id})
	}
	if err != nil {
		return s.fail(span, "mark_validated", s.unavailable("mark_validated", 1, err))
	}

	if s.publisher != nil {
		snap, err := s.repo.GetByID(ctx, id)
		if err != nil {
			s.log.Warn("validated flag not exported", "id", id, "error", err)
			return nil
		}
		s.publisher.Publish(*snap)
	}
	return nil
}

// QueryByPeriodRange returns the snapshots of q.DefinitionID whose period
// intersects [q.RangeStart, q.RangeEnd) and whose dimensions contain every
// pair of q.Filter, ordered by period start then dimensions hash.
func (s *Store) QueryByPeriodRange(ctx context.Context, q Query) ([]*models.Snapshot, error) {
	ctx, span := s.tracer.Start(ctx, "snapshot.QueryRange",
		trace.WithAttributes(attribute.String("metric.definition_id", q.DefinitionID)))
	defer span.End()
	defer s.observe("query_range", time.Now())

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var errs []FieldError
	if strings.TrimSpace(q.DefinitionID) == "" {
		errs = append(errs, FieldError{Field: "definition_id", Constraint: "required", Message: "definition id is required"})
	}
	if q.RangeStart.IsZero() || q.RangeEnd.IsZero() || !q.RangeStart.Before(q.RangeEnd) {
		errs = append(errs, FieldError{Field: "range_end", Constraint: "after_range_start", Message: "range end must be after range start"})
	}
	if err := q.Filter.Validate(); err != nil {
		errs = append(errs, dimensionError(err).Fields...)
	}
	if len(errs) > 0 {
		return nil, s.fail(span, "query_range", &ValidationError{Fields: errs})
	}

	rows, err := s.repo.QueryRange(ctx, RangeQuery{
		DefinitionID: strings.TrimSpace(q.DefinitionID),
		Start:        q.RangeStart.UTC(),
		End:          q.RangeEnd.UTC(),
	})
	if err != nil {
		return nil, s.fail(span, "query_range", s.unavailable("query_range", 1, err))
	}

	out := make([]*models.Snapshot, 0, len(rows))
	for _, snap := range rows {
		if !snap.Intersects(q.RangeStart, q.RangeEnd) {
			continue
		}
		if !snap.Dimensions.Matches(q.Filter) {
			continue
		}
		out = append(out, snap)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].PeriodStart.Equal(out[j].PeriodStart) {
			return out[i].PeriodStart.Before(out[j].PeriodStart)
		}
		return out[i].DimensionsHash < out[j].DimensionsHash
	})
	span.SetAttributes(attribute.Int("snapshot.count", len(out)))
	return out, nil
}

// Definition loads the definition a snapshot was computed for.
func (s *Store) Definition(ctx context.Context, snap *models.Snapshot) (*models.Definition, error) {
	return s.GetDefinition(ctx, snap.DefinitionID)
}

// GetDefinition returns a metric definition.
func (s *Store) GetDefinition(ctx context.Context, id string) (*models.Definition, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	def, err := s.defs.GetDefinition(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, &NotFoundError{Resource: "definition", ID: id}
	}
	if err != nil {
		return nil, s.unavailable("get_definition", 1, err)
	}
	return def, nil
}

// PutDefinition registers a definition or advances its version. Snapshots
// already recorded keep the version that produced them.
func (s *Store) PutDefinition(ctx context.Context, def *models.Definition) (*models.Definition, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	d := *def
	d.ID = strings.TrimSpace(d.ID)
	if d.Name == "" {
		d.Name = d.ID
	}
	if errs := validateDefinition(&d); len(errs) > 0 {
		return nil, &ValidationError{Fields: errs}
	}
	d.UpdatedAt = s.now().UTC().Truncate(time.Microsecond)

	err := s.defs.PutDefinition(ctx, &d)
	if errors.Is(err, ErrConflict) {
		return nil, &ValidationError{Fields: []FieldError{{
			Field:      "current_version",
			Constraint: "monotonic",
			Message:    "current version must not decrease",
		}}}
	}
	if err != nil {
		return nil, s.unavailable("put_definition", 1, err)
	}
	s.log.Info("metric definition stored", "definition_id", d.ID, "version", d.CurrentVersion)
	return &d, nil
}

// stampVersion resolves the definition version recorded on a new snapshot.
func (s *Store) stampVersion(ctx context.Context, req RecordRequest) (int64, error) {
	def, err := s.defs.GetDefinition(ctx, req.DefinitionID)
	if errors.Is(err, ErrNotFound) {
		return 0, &ValidationError{Fields: []FieldError{{
			Field:      "definition_id",
			Constraint: "exists",
			Message:    "unknown metric definition " + req.DefinitionID,
		}}}
	}
	if err != nil {
		return 0, s.unavailable("record", 1, err)
	}
	if req.DefinitionVersion == 0 {
		return def.CurrentVersion, nil
	}
	if req.DefinitionVersion > def.CurrentVersion {
		return 0, &ValidationError{Fields: []FieldError{{
			Field:      "definition_version",
			Constraint: "max_current_version",
			Message:    "definition version is ahead of the definition's current version",
		}}}
	}
	return req.DefinitionVersion, nil
}

func (s *Store) build(req RecordRequest, key models.SnapshotKey, version int64) *models.Snapshot {
	return &models.Snapshot{
		ID:                s.newID(),
		DefinitionID:      key.DefinitionID,
		PeriodStart:       key.PeriodStart,
		PeriodEnd:         key.PeriodEnd,
		Granularity:       req.Granularity,
		Dimensions:        req.Dimensions,
		DimensionsHash:    key.DimensionsHash,
		Value:             req.Value,
		FormattedValue:    req.FormattedValue,
		Validated:         true,
		DefinitionVersion: version,
		CollectionStatus:  req.CollectionStatus,
		StatusMessage:     req.StatusMessage,
		DurationMs:        req.DurationMs,
		CreatedAt:         s.now().UTC().Truncate(time.Microsecond),
	}
}

func (s *Store) recorded(snap *models.Snapshot, outcome string) {
	monitoring.SnapshotsRecorded.WithLabelValues(outcome).Inc()
	if s.publisher != nil {
		s.publisher.Publish(*snap)
	}
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.Timeout)
}

func (s *Store) unavailable(op string, attempts int, err error) error {
	var ue *StoreUnavailableError
	if errors.As(err, &ue) || IsValidation(err) {
		return err
	}
	return &StoreUnavailableError{Op: op, Attempts: attempts, Err: err}
}

func (s *Store) fail(span trace.Span, op string, err error) error {
	kind := errorKind(err)
	monitoring.StoreErrors.WithLabelValues(op, kind).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, kind)
	if kind == "unavailable" {
		s.log.Warn("snapshot store operation failed", "operation", op, "error", err)
	}
	return err
}

func (s *Store) observe(op string, start time.Time) {
	monitoring.StoreOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func dimensionError(err error) *ValidationError {
	var de *dimensions.Error
	if errors.As(err, &de) {
		return &ValidationError{Fields: []FieldError{{Field: "dimensions." + de.Key, Constraint: dimensionConstraint(de), Message: de.Reason}}}
	}
	return &ValidationError{Fields: []FieldError{{Field: "dimensions", Constraint: dimensionConstraint(err), Message: err.Error()}}}
}
