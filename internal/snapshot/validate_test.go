package snapshot_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"metricsnap/internal/dimensions"
	"metricsnap/internal/models"
	"metricsnap/internal/snapshot"
	"metricsnap/internal/testutil"

	"github.com/shopspring/decimal"
)

func hasField(errs []snapshot.FieldError, field, constraint string) bool {
	for _, e := range errs {
		if e.Field == field && e.Constraint == constraint {
			return true
		}
	}
	return false
}

func TestValidateRecord(t *testing.T) {
	day := testutil.Day(2024, time.March, 1)

	tests := []struct {
		name       string
		mutate     func(r *snapshot.RecordRequest)
		field      string
		constraint string
	}{
		{"missing definition", func(r *snapshot.RecordRequest) { r.DefinitionID = "  " }, "definition_id", "required"},
		{"missing start", func(r *snapshot.RecordRequest) { r.PeriodStart = time.Time{} }, "period_start", "required"},
		{"end before start", func(r *snapshot.RecordRequest) { r.PeriodEnd = r.PeriodStart.Add(-time.Hour) }, "period_end", "after_period_start"},
		{"empty period", func(r *snapshot.RecordRequest) { r.PeriodEnd = r.PeriodStart }, "period_end", "after_period_start"},
		{"nanosecond start", func(r *snapshot.RecordRequest) { r.PeriodStart = r.PeriodStart.Add(1) }, "period_start", "precision"},
		{"missing granularity", func(r *snapshot.RecordRequest) { r.Granularity = "" }, "granularity", "required"},
		{"unknown granularity", func(r *snapshot.RecordRequest) { r.Granularity = "fortnight" }, "granularity", "enum"},
		{"width mismatch", func(r *snapshot.RecordRequest) { r.Granularity = models.GranularityWeek }, "granularity", "period_width"},
		{"half day as day", func(r *snapshot.RecordRequest) { r.PeriodEnd = r.PeriodStart.Add(12 * time.Hour) }, "granularity", "period_width"},
		{"value exponent", func(r *snapshot.RecordRequest) { r.Value = decimal.RequireFromString("1e50000000") }, "value", "number_range"},
		{"value digits", func(r *snapshot.RecordRequest) { r.Value = decimal.RequireFromString("1." + strings.Repeat("3", 80)) }, "value", "number_range"},
		{"dimension exponent", func(r *snapshot.RecordRequest) {
			r.Dimensions = dimensions.Set{"k": dimensions.Number(decimal.RequireFromString("1e-400"))}
		}, "dimensions.k", "number_range"},
		{"blank dimension key", func(r *snapshot.RecordRequest) { r.Dimensions = dimensions.Set{" ": dimensions.String("x")} }, "dimensions", "non_empty_key"},
		{"invalid dimension value", func(r *snapshot.RecordRequest) { r.Dimensions = dimensions.Set{"k": {}} }, "dimensions.k", "scalar"},
		{"unknown status", func(r *snapshot.RecordRequest) { r.CollectionStatus = "timeout" }, "collection_status", "enum"},
		{"error without message", func(r *snapshot.RecordRequest) { r.CollectionStatus = models.StatusError }, "status_message", "required_unless_success"},
		{"negative duration", func(r *snapshot.RecordRequest) { r.DurationMs = -1 }, "duration_ms", "non_negative"},
		{"negative version", func(r *snapshot.RecordRequest) { r.DefinitionVersion = -1 }, "definition_version", "non_negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testutil.CreateTestRequest(day, nil, "1")
			tt.mutate(&req)
			errs := snapshot.ValidateRecord(req)
			if !hasField(errs, tt.field, tt.constraint) {
				t.Errorf("expected %s/%s, got %+v", tt.field, tt.constraint, errs)
			}
		})
	}
}

func TestValidateRecordAccepts(t *testing.T) {
	day := testutil.Day(2024, time.March, 1)

	ok := testutil.CreateTestRequest(day, dimensions.Set{"region": dimensions.String("emea")}, "1")
	if errs := snapshot.ValidateRecord(ok); len(errs) != 0 {
		t.Errorf("unexpected errors: %+v", errs)
	}

	partial := testutil.CreateTestRequest(day, nil, "1")
	partial.CollectionStatus = models.StatusPartial
	partial.StatusMessage = "2 of 3 sources responded"
	if errs := snapshot.ValidateRecord(partial); len(errs) != 0 {
		t.Errorf("partial with message should be valid: %+v", errs)
	}

	defaulted := testutil.CreateTestRequest(day, nil, "1")
	defaulted.CollectionStatus = ""
	if errs := snapshot.ValidateRecord(defaulted); len(errs) != 0 {
		t.Errorf("empty status should default to success: %+v", errs)
	}

	micro := testutil.CreateTestRequest(day, nil, "1")
	micro.PeriodStart = day.Add(time.Microsecond)
	micro.PeriodEnd = micro.PeriodStart.AddDate(0, 0, 1)
	if errs := snapshot.ValidateRecord(micro); len(errs) != 0 {
		t.Errorf("microsecond-aligned periods are valid: %+v", errs)
	}
}

func TestValidateRecordReportsAllFailures(t *testing.T) {
	errs := snapshot.ValidateRecord(snapshot.RecordRequest{DurationMs: -5})
	for _, field := range []string{"definition_id", "period_start", "period_end", "granularity", "duration_ms"} {
		found := false
		for _, e := range errs {
			if e.Field == field {
				found = true
			}
		}
		if !found {
			t.Errorf("expected an error on %s", field)
		}
	}
}

func TestParseDimensions(t *testing.T) {
	var raw map[string]any
	dec := json.NewDecoder(strings.NewReader(`{"region":"emea","tier":1,"active":true}`))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		t.Fatal(err)
	}
	set, err := snapshot.ParseDimensions(raw)
	if err != nil {
		t.Fatalf("ParseDimensions: %v", err)
	}
	want := dimensions.Set{"region": dimensions.String("emea"), "tier": dimensions.Int(1), "active": dimensions.Bool(true)}
	if set.Hash() != want.Hash() {
		t.Errorf("unexpected set %q", set.Canonical())
	}

	_, err = snapshot.ParseDimensions(map[string]any{"nested": map[string]any{"a": 1}})
	var ve *snapshot.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if !hasField(ve.Fields, "dimensions.nested", "scalar") {
		t.Errorf("unexpected fields %+v", ve.Fields)
	}

	_, err = snapshot.ParseDimensions(map[string]any{"k": json.Number("1e50000000")})
	if !errors.As(err, &ve) || !hasField(ve.Fields, "dimensions.k", "number_range") {
		t.Errorf("expected dimensions.k/number_range, got %v", err)
	}

	empty, err := snapshot.ParseDimensions(nil)
	if err != nil || empty.Hash() != dimensions.EmptyHash {
		t.Errorf("nil input should give the empty set, got %v %v", empty, err)
	}
}

func TestErrorClassification(t *testing.T) {
	unavailable := &snapshot.StoreUnavailableError{Op: "record", Attempts: 3, Err: snapshot.ErrConflict}
	if !snapshot.IsTransient(unavailable) || snapshot.IsValidation(unavailable) {
		t.Error("StoreUnavailableError should only be transient")
	}
	if unavailable.Error() == "" || !unavailable.Temporary() {
		t.Error("unexpected StoreUnavailableError rendering")
	}

	validation := &snapshot.ValidationError{Fields: []snapshot.FieldError{{Field: "a", Message: "bad"}}}
	if !snapshot.IsValidation(validation) || snapshot.IsTransient(validation) {
		t.Error("ValidationError should only be a validation error")
	}
	if validation.Error() != "validation failed: a: bad" {
		t.Errorf("unexpected message %q", validation.Error())
	}
}
