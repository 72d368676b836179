package main

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"metricsnap/internal/dimensions"
	"metricsnap/internal/models"
	"metricsnap/internal/snapshot"

	"github.com/shopspring/decimal"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
)

// Data point attributes that carry collection metadata instead of dimensions.
const (
	attrStatus            = "snapshot.status"
	attrStatusMessage     = "snapshot.status_message"
	attrDurationMs        = "snapshot.duration_ms"
	attrDefinitionVersion = "snapshot.definition_version"
)

// pointError describes a data point that could not become a record request.
type pointError struct {
	Metric string
	Reason string
}

func (e *pointError) Error() string {
	return fmt.Sprintf("metric %s: %s", e.Metric, e.Reason)
}

// conversion is the result of flattening one export request.
type conversion struct {
	Requests []snapshot.RecordRequest
	Rejected []*pointError
	Ignored  int
}

// convertRequest flattens every gauge and sum data point of req. Histogram,
// summary and exponential histogram points are counted as ignored.
func convertRequest(req *colmetricspb.ExportMetricsServiceRequest) conversion {
	var out conversion
	for _, rm := range req.GetResourceMetrics() {
		for _, sm := range rm.GetScopeMetrics() {
			for _, m := range sm.GetMetrics() {
				var points []*metricspb.NumberDataPoint
				switch {
				case m.GetGauge() != nil:
					points = m.GetGauge().GetDataPoints()
				case m.GetSum() != nil:
					points = m.GetSum().GetDataPoints()
				case m.GetHistogram() != nil:
					out.Ignored += len(m.GetHistogram().GetDataPoints())
					continue
				case m.GetExponentialHistogram() != nil:
					out.Ignored += len(m.GetExponentialHistogram().GetDataPoints())
					continue
				case m.GetSummary() != nil:
					out.Ignored += len(m.GetSummary().GetDataPoints())
					continue
				default:
					continue
				}
				for _, p := range points {
					r, err := convertPoint(m.GetName(), p)
					if err != nil {
						out.Rejected = append(out.Rejected, err)
						continue
					}
					out.Requests = append(out.Requests, r)
				}
			}
		}
	}
	return out
}

func convertPoint(name string, p *metricspb.NumberDataPoint) (snapshot.RecordRequest, *pointError) {
	reject := func(format string, args ...any) (snapshot.RecordRequest, *pointError) {
		return snapshot.RecordRequest{}, &pointError{Metric: name, Reason: fmt.Sprintf(format, args...)}
	}

	if name == "" {
		return reject("metric name is empty")
	}
	if p.GetStartTimeUnixNano() == 0 || p.GetTimeUnixNano() == 0 {
		return reject("data point needs both start and end time")
	}
	start := time.Unix(0, int64(p.GetStartTimeUnixNano())).UTC()
	end := time.Unix(0, int64(p.GetTimeUnixNano())).UTC()
	granularity, ok := models.GranularityFor(start, end)
	if !ok {
		return reject("period [%s, %s) matches no granularity", start.Format(time.RFC3339Nano), end.Format(time.RFC3339Nano))
	}

	var value decimal.Decimal
	switch v := p.GetValue().(type) {
	case *metricspb.NumberDataPoint_AsInt:
		value = decimal.NewFromInt(v.AsInt)
	case *metricspb.NumberDataPoint_AsDouble:
		if math.IsNaN(v.AsDouble) || math.IsInf(v.AsDouble, 0) {
			return reject("value is not finite")
		}
		value = decimal.NewFromFloat(v.AsDouble)
	default:
		return reject("data point has no value")
	}

	req := snapshot.RecordRequest{
		DefinitionID:     name,
		PeriodStart:      start,
		PeriodEnd:        end,
		Granularity:      granularity,
		Value:            value,
		FormattedValue:   value.String(),
		CollectionStatus: models.StatusSuccess,
		Dimensions:       dimensions.Set{},
	}

	for _, kv := range p.GetAttributes() {
		key := kv.GetKey()
		switch key {
		case attrStatus:
			req.CollectionStatus = models.CollectionStatus(kv.GetValue().GetStringValue())
			continue
		case attrStatusMessage:
			req.StatusMessage = kv.GetValue().GetStringValue()
			continue
		case attrDurationMs:
			n, err := attrInt(kv.GetValue())
			if err != nil {
				return reject("%s: %v", key, err)
			}
			req.DurationMs = n
			continue
		case attrDefinitionVersion:
			n, err := attrInt(kv.GetValue())
			if err != nil {
				return reject("%s: %v", key, err)
			}
			req.DefinitionVersion = n
			continue
		}

		dv, err := attrDimension(kv.GetValue())
		if err != nil {
			return reject("attribute %s: %v", key, err)
		}
		req.Dimensions[key] = dv
	}
	return req, nil
}

func attrDimension(v *commonpb.AnyValue) (dimensions.Value, error) {
	switch val := v.GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		return dimensions.String(val.StringValue), nil
	case *commonpb.AnyValue_BoolValue:
		return dimensions.Bool(val.BoolValue), nil
	case *commonpb.AnyValue_IntValue:
		return dimensions.Int(val.IntValue), nil
	case *commonpb.AnyValue_DoubleValue:
		if math.IsNaN(val.DoubleValue) || math.IsInf(val.DoubleValue, 0) {
			return dimensions.Value{}, fmt.Errorf("number is not finite")
		}
		return dimensions.Number(decimal.NewFromFloat(val.DoubleValue)), nil
	case *commonpb.AnyValue_ArrayValue, *commonpb.AnyValue_KvlistValue, *commonpb.AnyValue_BytesValue:
		return dimensions.Value{}, fmt.Errorf("only scalar values are allowed")
	default:
		return dimensions.Value{}, fmt.Errorf("value is empty")
	}
}

func attrInt(v *commonpb.AnyValue) (int64, error) {
	switch val := v.GetValue().(type) {
	case *commonpb.AnyValue_IntValue:
		return val.IntValue, nil
	case *commonpb.AnyValue_DoubleValue:
		if val.DoubleValue != math.Trunc(val.DoubleValue) {
			return 0, fmt.Errorf("must be a whole number")
		}
		return int64(val.DoubleValue), nil
	case *commonpb.AnyValue_StringValue:
		return strconv.ParseInt(val.StringValue, 10, 64)
	default:
		return 0, fmt.Errorf("must be an integer")
	}
}
