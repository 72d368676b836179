package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"metricsnap/internal/models"
	"metricsnap/internal/monitoring"
	"metricsnap/internal/snapshot"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
)

// RecordSnapshotRequest is the body of POST /api/v1/snapshots
type RecordSnapshotRequest struct {
	DefinitionID      string           `json:"definition_id"`
	PeriodStart       time.Time        `json:"period_start"`
	PeriodEnd         time.Time        `json:"period_end"`
	Granularity       string           `json:"granularity"`
	Dimensions        map[string]any   `json:"dimensions"`
	Value             *decimal.Decimal `json:"value"`
	FormattedValue    string           `json:"formatted_value,omitempty"`
	DefinitionVersion int64            `json:"definition_version,omitempty"`
	CollectionStatus  string           `json:"collection_status,omitempty"`
	StatusMessage     string           `json:"status_message,omitempty"`
	DurationMs        int64            `json:"duration_ms"`
}

// LookupRequest is the body of POST /api/v1/snapshots/lookup
type LookupRequest struct {
	DefinitionID string         `json:"definition_id"`
	PeriodStart  time.Time      `json:"period_start"`
	PeriodEnd    time.Time      `json:"period_end"`
	Dimensions   map[string]any `json:"dimensions"`
}

// RangeQueryRequest is the body of POST /api/v1/snapshots/query
type RangeQueryRequest struct {
	DefinitionID string         `json:"definition_id"`
	RangeStart   time.Time      `json:"range_start"`
	RangeEnd     time.Time      `json:"range_end"`
	Filter       map[string]any `json:"filter,omitempty"`
}

// RangeQueryResponse lists the matching snapshots
type RangeQueryResponse struct {
	Snapshots []*models.Snapshot `json:"snapshots"`
	Total     int                `json:"total"`
}

// ValidatedRequest is the body of PUT /api/v1/snapshots/{id}/validated
type ValidatedRequest struct {
	Validated *bool `json:"validated"`
}

// DefinitionRequest is the body of PUT /api/v1/definitions/{id}
type DefinitionRequest struct {
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	Unit           string `json:"unit,omitempty"`
	CurrentVersion int64  `json:"current_version"`
}

// ErrorResponse is written for every failed request
type ErrorResponse struct {
	Error     string                `json:"error"`
	Fields    []snapshot.FieldError `json:"fields,omitempty"`
	Retryable bool                  `json:"retryable"`
}

// RecordSnapshot handles snapshot writes. A new key answers 201, a
// superseded one 200.
func (s *SnapshotService) RecordSnapshot(w http.ResponseWriter, r *http.Request) {
	var body RecordSnapshotRequest
	if !s.decode(w, r, &body) {
		return
	}

	dims, err := snapshot.ParseDimensions(body.Dimensions)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if body.Value == nil {
		s.writeError(w, &snapshot.ValidationError{Fields: []snapshot.FieldError{{
			Field: "value", Constraint: "required", Message: "value is required",
		}}})
		return
	}

	snap, err := s.store.RecordSnapshot(r.Context(), snapshot.RecordRequest{
		DefinitionID:      body.DefinitionID,
		PeriodStart:       body.PeriodStart,
		PeriodEnd:         body.PeriodEnd,
		Granularity:       models.Granularity(body.Granularity),
		Dimensions:        dims,
		Value:             *body.Value,
		FormattedValue:    body.FormattedValue,
		DefinitionVersion: body.DefinitionVersion,
		CollectionStatus:  models.CollectionStatus(body.CollectionStatus),
		StatusMessage:     body.StatusMessage,
		DurationMs:        body.DurationMs,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	code := http.StatusOK
	if snap.Revision == 1 {
		code = http.StatusCreated
	}
	writeJSON(w, code, snap)
}

// LookupSnapshot returns the snapshot for an exact key
func (s *SnapshotService) LookupSnapshot(w http.ResponseWriter, r *http.Request) {
	var body LookupRequest
	if !s.decode(w, r, &body) {
		return
	}
	dims, err := snapshot.ParseDimensions(body.Dimensions)
	if err != nil {
		s.writeError(w, err)
		return
	}
	snap, err := s.store.GetSnapshot(r.Context(), body.DefinitionID, body.PeriodStart, body.PeriodEnd, dims)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetSnapshot returns a snapshot by id
func (s *SnapshotService) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.GetSnapshotByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetSnapshotDefinition returns the definition a snapshot belongs to
func (s *SnapshotService) GetSnapshotDefinition(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.GetSnapshotByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	def, err := s.store.Definition(r.Context(), snap)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// MarkValidated sets the validated flag of a snapshot
func (s *SnapshotService) MarkValidated(w http.ResponseWriter, r *http.Request) {
	var body ValidatedRequest
	if !s.decode(w, r, &body) {
		return
	}
	if body.Validated == nil {
		s.writeError(w, &snapshot.ValidationError{Fields: []snapshot.FieldError{{
			Field: "validated", Constraint: "required", Message: "validated is required",
		}}})
		return
	}
	if err := s.store.MarkValidated(r.Context(), mux.Vars(r)["id"], *body.Validated); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// QuerySnapshots handles period range queries
func (s *SnapshotService) QuerySnapshots(w http.ResponseWriter, r *http.Request) {
	var body RangeQueryRequest
	if !s.decode(w, r, &body) {
		return
	}
	filter, err := snapshot.ParseDimensions(body.Filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	snaps, err := s.store.QueryByPeriodRange(r.Context(), snapshot.Query{
		DefinitionID: body.DefinitionID,
		RangeStart:   body.RangeStart,
		RangeEnd:     body.RangeEnd,
		Filter:       filter,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RangeQueryResponse{Snapshots: snaps, Total: len(snaps)})
}

// PutDefinition registers a definition or advances its version
func (s *SnapshotService) PutDefinition(w http.ResponseWriter, r *http.Request) {
	var body DefinitionRequest
	if !s.decode(w, r, &body) {
		return
	}
	def, err := s.store.PutDefinition(r.Context(), &models.Definition{
		ID:             mux.Vars(r)["id"],
		Name:           body.Name,
		Description:    body.Description,
		Unit:           body.Unit,
		CurrentVersion: body.CurrentVersion,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// GetDefinition returns a definition by id
func (s *SnapshotService) GetDefinition(w http.ResponseWriter, r *http.Request) {
	def, err := s.store.GetDefinition(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// decode reads a JSON body, answering 400 itself on failure
func (s *SnapshotService) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, &snapshot.ValidationError{Fields: []snapshot.FieldError{{
			Field: "body", Constraint: "json", Message: err.Error(),
		}}})
		return false
	}
	return true
}

func (s *SnapshotService) writeError(w http.ResponseWriter, err error) {
	var (
		ve   *snapshot.ValidationError
		code int
		resp = ErrorResponse{Error: err.Error()}
	)
	switch {
	case errors.As(err, &ve):
		code = http.StatusBadRequest
		resp.Fields = ve.Fields
	case errors.Is(err, snapshot.ErrNotFound):
		code = http.StatusNotFound
	case snapshot.IsTransient(err):
		code = http.StatusServiceUnavailable
		resp.Retryable = true
		w.Header().Set("Retry-After", strconv.Itoa(s.retryAfterSeconds()))
	default:
		code = http.StatusInternalServerError
		s.log.Error("unexpected API error", "error", err)
	}
	writeJSON(w, code, resp)
}

func (s *SnapshotService) retryAfterSeconds() int {
	secs := int(s.config.Performance.RetryInitialInterval / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// statusRecorder captures the response code for metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		monitoring.APIRequestDuration.WithLabelValues(route, strconv.Itoa(rec.status)).Observe(time.Since(start).Seconds())
	})
}
