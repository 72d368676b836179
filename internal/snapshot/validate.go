package snapshot

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"metricsnap/internal/dimensions"
	"metricsnap/internal/models"

	"github.com/shopspring/decimal"
)

// RecordRequest is the input of RecordSnapshot.
type RecordRequest struct {
	DefinitionID      string
	PeriodStart       time.Time
	PeriodEnd         time.Time
	Granularity       models.Granularity
	Dimensions        dimensions.Set
	Value             decimal.Decimal
	FormattedValue    string
	DefinitionVersion int64 // zero stamps the definition's current version
	CollectionStatus  models.CollectionStatus
	StatusMessage     string
	DurationMs        int64
}

// normalize trims identifiers, moves times to UTC and defaults the status.
func (r RecordRequest) normalize() RecordRequest {
	r.DefinitionID = strings.TrimSpace(r.DefinitionID)
	r.PeriodStart = r.PeriodStart.UTC()
	r.PeriodEnd = r.PeriodEnd.UTC()
	r.StatusMessage = strings.TrimSpace(r.StatusMessage)
	if r.CollectionStatus == "" {
		r.CollectionStatus = models.StatusSuccess
	}
	if r.Dimensions == nil {
		r.Dimensions = dimensions.Set{}
	}
	return r
}

// ValidateRecord checks every field of req and returns all failures.
func ValidateRecord(req RecordRequest) []FieldError {
	req = req.normalize()
	var errs []FieldError
	add := func(field, constraint, format string, args ...any) {
		errs = append(errs, FieldError{Field: field, Constraint: constraint, Message: fmt.Sprintf(format, args...)})
	}

	if req.DefinitionID == "" {
		add("definition_id", "required", "definition id is required")
	}

	periodsSet := true
	if req.PeriodStart.IsZero() {
		add("period_start", "required", "period start is required")
		periodsSet = false
	}
	if req.PeriodEnd.IsZero() {
		add("period_end", "required", "period end is required")
		periodsSet = false
	}
	if !microAligned(req.PeriodStart) {
		add("period_start", "precision", "must not carry sub-microsecond precision")
	}
	if !microAligned(req.PeriodEnd) {
		add("period_end", "precision", "must not carry sub-microsecond precision")
	}
	if periodsSet && !req.PeriodStart.Before(req.PeriodEnd) {
		add("period_end", "after_period_start", "period end %s must be after period start %s",
			req.PeriodEnd.Format(time.RFC3339Nano), req.PeriodStart.Format(time.RFC3339Nano))
		periodsSet = false
	}

	switch {
	case req.Granularity == "":
		add("granularity", "required", "granularity is required")
	case !req.Granularity.Valid():
		add("granularity", "enum", "unknown granularity %q", req.Granularity)
	case periodsSet && !req.Granularity.Matches(req.PeriodStart, req.PeriodEnd):
		add("granularity", "period_width", "period [%s, %s) is not one %s wide",
			req.PeriodStart.Format(time.RFC3339), req.PeriodEnd.Format(time.RFC3339), req.Granularity)
	}

	for _, key := range req.Dimensions.Keys() {
		if strings.TrimSpace(key) == "" {
			add("dimensions", "non_empty_key", "dimension keys must not be blank")
			continue
		}
		v := req.Dimensions[key]
		if v.Kind() == 0 {
			add("dimensions."+key, "scalar", "dimension value must be a string, number or boolean")
		} else if err := v.Validate(); err != nil {
			add("dimensions."+key, dimensionConstraint(err), "%v", err)
		}
	}

	if err := dimensions.CheckNumber(req.Value); err != nil {
		add("value", "number_range", "%v", err)
	}

	if !req.CollectionStatus.Valid() {
		add("collection_status", "enum", "unknown collection status %q", req.CollectionStatus)
	} else if req.CollectionStatus != models.StatusSuccess && req.StatusMessage == "" {
		add("status_message", "required_unless_success", "status message is required when status is %s", req.CollectionStatus)
	}

	if req.DurationMs < 0 {
		add("duration_ms", "non_negative", "duration must not be negative")
	}
	if req.DefinitionVersion < 0 {
		add("definition_version", "non_negative", "definition version must not be negative")
	}

	return errs
}

// ParseDimensions converts loosely typed input (for example a decoded JSON
// object) into a dimension set, reporting unsupported values as a
// ValidationError.
func ParseDimensions(raw map[string]any) (dimensions.Set, error) {
	set, err := dimensions.FromMap(raw)
	if err != nil {
		var de *dimensions.Error
		if errors.As(err, &de) {
			return nil, &ValidationError{Fields: []FieldError{{
				Field:      "dimensions." + de.Key,
				Constraint: dimensionConstraint(de),
				Message:    de.Reason,
			}}}
		}
		return nil, err
	}
	return set, nil
}

func microAligned(t time.Time) bool {
	return t.Nanosecond()%int(time.Microsecond) == 0
}

// dimensionConstraint names the rule a dimension error broke.
func dimensionConstraint(err error) string {
	if errors.Is(err, dimensions.ErrNumberRange) {
		return "number_range"
	}
	return "scalar"
}

func validateDefinition(def *models.Definition) []FieldError {
	var errs []FieldError
	if strings.TrimSpace(def.ID) == "" {
		errs = append(errs, FieldError{Field: "id", Constraint: "required", Message: "definition id is required"})
	}
	if def.CurrentVersion < 1 {
		errs = append(errs, FieldError{Field: "current_version", Constraint: "positive", Message: "current version must be at least 1"})
	}
	return errs
}
