package api

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-insights/internal/engine"
	"github.com/miradorstack/mirador-insights/internal/geo"
	"github.com/miradorstack/mirador-insights/internal/ingest"
	"github.com/miradorstack/mirador-insights/internal/models"
	"github.com/miradorstack/mirador-insights/internal/segment"
	"github.com/miradorstack/mirador-insights/internal/utils"
)

// DatasetFromProto reads a dataset from either a "csv" string field or a "rows" list of
// objects with an optional "columns" header.
func DatasetFromProto(req *structpb.Struct) (models.RawDataset, error) {
	if req == nil {
		return models.RawDataset{}, utils.ValidationError("api.DatasetFromProto", "request is nil", "rows")
	}
	fields := req.GetFields()
	if v, ok := fields["csv"]; ok {
		ds, _, err := ingest.ReadCSV(strings.NewReader(v.GetStringValue()), ingest.CSVOptions{})
		if err != nil {
			return models.RawDataset{}, utils.ValidationError("api.DatasetFromProto", err.Error(), "csv")
		}
		return ds, nil
	}

	rowsVal, ok := fields["rows"]
	if !ok || rowsVal.GetListValue() == nil {
		return models.RawDataset{}, utils.ValidationError("api.DatasetFromProto", "either csv or rows is required", "csv", "rows")
	}
	var columns []string
	if cols := fields["columns"].GetListValue(); cols != nil {
		for _, c := range cols.GetValues() {
			columns = append(columns, c.GetStringValue())
		}
	}
	rows := make([]map[string]any, 0, len(rowsVal.GetListValue().GetValues()))
	for i, item := range rowsVal.GetListValue().GetValues() {
		obj := item.GetStructValue()
		if obj == nil {
			return models.RawDataset{}, utils.ValidationError("api.DatasetFromProto", fmt.Sprintf("row %d is not an object", i), "rows")
		}
		rows = append(rows, obj.AsMap())
	}
	ds, err := ingest.FromRows(columns, rows)
	if err != nil {
		return models.RawDataset{}, utils.ValidationError("api.DatasetFromProto", err.Error(), "rows")
	}
	return ds, nil
}

// SessionID extracts the required "session_id" field.
func SessionID(req *structpb.Struct) (string, error) {
	id := strings.TrimSpace(req.GetFields()["session_id"].GetStringValue())
	if id == "" {
		return "", utils.ValidationError("api.SessionID", "session_id is required", "session_id")
	}
	return id, nil
}

// RecordID extracts the "record_id" field. Absent means the baseline record (-1).
func RecordID(req *structpb.Struct) (int, error) {
	v, ok := req.GetFields()["record_id"]
	if !ok {
		return -1, nil
	}
	n, isNum := v.GetKind().(*structpb.Value_NumberValue)
	if !isNum || n.NumberValue != math.Trunc(n.NumberValue) {
		return 0, utils.ValidationError("api.RecordID", "record_id must be an integer", "record_id")
	}
	return int(n.NumberValue), nil
}

// AnalyzeRequestFromProto maps the request fields onto an engine request.
func AnalyzeRequestFromProto(req *structpb.Struct) (engine.Request, error) {
	fields := req.GetFields()
	out := engine.Request{
		SegmentMode:  fields["segment_mode"].GetStringValue(),
		RetainScaler: fields["retain_scaler"].GetBoolValue(),
	}
	if v, ok := fields["k"]; ok {
		k := v.GetNumberValue()
		if k != math.Trunc(k) || k < 0 {
			return engine.Request{}, utils.ValidationError("api.AnalyzeRequestFromProto", "k must be a non-negative integer", "k")
		}
		out.K = int(k)
	}
	if caps := fields["capabilities"].GetListValue(); caps != nil {
		known := make(map[models.Capability]bool, len(models.AllCapabilities))
		for _, c := range models.AllCapabilities {
			known[c] = true
		}
		var unknown []string
		for _, v := range caps.GetValues() {
			c := models.Capability(v.GetStringValue())
			if !known[c] {
				unknown = append(unknown, v.GetStringValue())
				continue
			}
			out.Capabilities = append(out.Capabilities, c)
		}
		if len(unknown) > 0 {
			return engine.Request{}, utils.ValidationError("api.AnalyzeRequestFromProto", "unknown capabilities", unknown...)
		}
	}
	return out, nil
}

// OverridesFromProto converts the "overrides" object into canonical values. Numbers become
// numeric, strings categorical and booleans boolean.
func OverridesFromProto(req *structpb.Struct) (map[string]models.Value, error) {
	obj := req.GetFields()["overrides"].GetStructValue()
	if obj == nil {
		return nil, nil
	}
	out := make(map[string]models.Value, len(obj.GetFields()))
	var bad []string
	for name, v := range obj.GetFields() {
		switch kind := v.GetKind().(type) {
		case *structpb.Value_NumberValue:
			out[name] = models.Numeric(kind.NumberValue)
		case *structpb.Value_StringValue:
			out[name] = models.Categorical(kind.StringValue)
		case *structpb.Value_BoolValue:
			out[name] = models.Boolean(kind.BoolValue)
		default:
			bad = append(bad, name)
		}
	}
	if len(bad) > 0 {
		return nil, utils.ValidationError("api.OverridesFromProto", "override values must be numbers, strings or booleans", bad...)
	}
	return out, nil
}

// ToProto wraps a plain map built by the converters below.
func ToProto(m map[string]any) (*structpb.Struct, error) {
	return structpb.NewStruct(m)
}

// SessionToMap summarises an opened session: profile, capability map and gate decision.
func SessionToMap(s *engine.Session) map[string]any {
	columns := make([]any, 0, len(s.Profile.Columns))
	for _, c := range s.Profile.Columns {
		columns = append(columns, map[string]any{
			"column":     c.Column,
			"normalized": c.Normalized,
			"inferred":   string(c.Inferred),
			"sampled":    c.Sampled,
			"nulls":      c.Nulls,
			"distinct":   c.Distinct,
		})
	}

	fields := make([]string, 0, len(s.Profile.Resolutions))
	for f := range s.Profile.Resolutions {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	resolutions := make([]any, 0, len(fields))
	for _, f := range fields {
		r := s.Profile.Resolutions[f]
		resolutions = append(resolutions, map[string]any{
			"field":         r.Field,
			"column":        r.Column,
			"expected":      string(r.Expected),
			"inferred":      string(r.Inferred),
			"type_mismatch": r.TypeMismatch,
		})
	}

	ignored := make([]any, 0, len(s.Profile.Ignored))
	for _, d := range s.Profile.Ignored {
		ignored = append(ignored, map[string]any{
			"field":  d.Field,
			"column": d.Column,
			"chosen": d.Chosen,
			"reason": d.Reason,
		})
	}

	capabilities := make([]any, 0, len(models.AllCapabilities))
	for _, c := range models.AllCapabilities {
		st, ok := s.Profile.Capabilities[c]
		if !ok {
			continue
		}
		variants := make([]any, 0, len(st.Variants))
		for _, v := range st.Variants {
			variants = append(variants, map[string]any{
				"name":     v.Name,
				"ready":    v.Ready,
				"degraded": v.Degraded,
				"resolved": stringList(v.Resolved),
				"missing":  stringList(v.Missing),
			})
		}
		capabilities = append(capabilities, map[string]any{
			"capability": string(c),
			"resolved":   stringList(st.Resolved),
			"missing":    stringList(st.Missing),
			"variants":   variants,
		})
	}

	return map[string]any{
		"session_id":   s.ID,
		"created_at":   s.CreatedAt.Format(time.RFC3339),
		"records":      len(s.Records),
		"columns":      columns,
		"resolutions":  resolutions,
		"ignored":      ignored,
		"diagnostics":  stringList(s.Profile.Diagnostics),
		"capabilities": capabilities,
		"admitted":     admissionsToList(s.Decision.Admitted),
		"unavailable":  unavailableToList(s.Unavailable()),
	}
}

// ReportToMap renders an analysis report.
func ReportToMap(r *engine.Report) map[string]any {
	out := map[string]any{
		"session_id":   r.SessionID,
		"generated_at": r.GeneratedAt.Format(time.RFC3339),
		"admitted":     admissionsToList(r.Admitted),
		"unavailable":  unavailableToList(r.Unavailable),
		"diagnostics":  stringList(r.Diagnostics),
	}
	if r.Churn != nil {
		assessments := make([]any, 0, len(r.Churn.Assessments))
		for _, a := range r.Churn.Assessments {
			assessments = append(assessments, AssessmentToMap(a))
		}
		importance := make([]any, 0, len(r.Churn.Importance))
		for _, fi := range r.Churn.Importance {
			importance = append(importance, map[string]any{
				"feature":       fi.Feature,
				"mean_absolute": finite(fi.MeanAbsolute),
				"direction":     string(fi.Direction),
			})
		}
		groups := make(map[string]any, len(r.Churn.Groups))
		for g, n := range r.Churn.Groups {
			groups[string(g)] = n
		}
		retention := make([]any, 0, len(r.Churn.Retention))
		for _, opt := range r.Churn.Retention {
			rates := make(map[string]any, len(opt.Rates))
			for k, v := range opt.Rates {
				rates[k] = v
			}
			retention = append(retention, map[string]any{
				"field":       opt.Field,
				"best_option": opt.BestOption,
				"churn_rate":  opt.ChurnRate,
				"rates":       rates,
			})
		}
		churnOut := map[string]any{
			"model_version":        r.Churn.ModelVersion,
			"expected_probability": r.Churn.ExpectedProbability,
			"groups":               groups,
			"assessments":          assessments,
			"importance":           importance,
			"retention":            retention,
		}
		if v := r.Churn.Value; v != nil {
			predictions := make([]any, 0, len(v.Predictions))
			for _, pr := range v.Predictions {
				entry := map[string]any{"record_id": pr.RecordID, "predicted": finite(pr.Predicted)}
				if pr.HasActual {
					entry["actual"] = finite(pr.Actual)
				}
				predictions = append(predictions, entry)
			}
			churnOut["value"] = map[string]any{
				"model_version": v.ModelVersion,
				"target":        v.Target,
				"training_rmse": finite(v.TrainingRMSE),
				"predictions":   predictions,
			}
		}
		out["churn"] = churnOut
	}
	if r.Segmentation != nil {
		out["segmentation"] = SegmentationToMap(r.Segmentation)
	}
	if r.Sentiment != nil {
		counts := make(map[string]any, len(r.Sentiment.Counts))
		for label, n := range r.Sentiment.Counts {
			counts[string(label)] = n
		}
		keywords := make([]any, 0, len(r.Sentiment.Keywords))
		for _, k := range r.Sentiment.Keywords {
			keywords = append(keywords, map[string]any{
				"term":          k.Term,
				"documents":     k.Documents,
				"mean_compound": k.MeanCompound,
			})
		}
		scores := make([]any, 0, len(r.Sentiment.Scores))
		for _, sc := range r.Sentiment.Scores {
			scores = append(scores, map[string]any{
				"record_id": sc.RecordID,
				"compound":  sc.Compound,
				"label":     string(sc.Label),
			})
		}
		out["sentiment"] = map[string]any{
			"mean_compound": r.Sentiment.MeanCompound,
			"counts":        counts,
			"keywords":      keywords,
			"scores":        scores,
		}
	}
	if r.Geo != nil {
		locations := make([]any, 0, len(r.Geo.Locations))
		for _, l := range r.Geo.Locations {
			loc := map[string]any{"record_id": l.RecordID, "raw": l.Raw, "origin": l.Origin}
			if l.HasCoordinates {
				loc["lat"], loc["lon"] = l.Lat, l.Lon
			}
			locations = append(locations, loc)
		}
		out["geospatial"] = map[string]any{
			"mode":         string(r.Geo.Mode),
			"locations":    locations,
			"by_risk":      summariesToList(r.Geo.ByRisk),
			"by_sentiment": summariesToList(r.Geo.BySentiment),
		}
	}
	return out
}

// SegmentationToMap renders one clustering run.
func SegmentationToMap(res *segment.Result) map[string]any {
	clusters := make([]any, 0, len(res.Clusters))
	for _, c := range res.Clusters {
		profile := make(map[string]any, len(c.Profile))
		for k, v := range c.Profile {
			profile[k] = finite(v)
		}
		predicates := make([]any, 0, len(c.Rule.Predicates))
		for _, p := range c.Rule.Predicates {
			predicates = append(predicates, map[string]any{"feature": p.Feature, "op": p.Op, "threshold": p.Threshold})
		}
		clusters = append(clusters, map[string]any{
			"id":      c.ID,
			"persona": c.Persona,
			"size":    len(c.Units),
			"members": intList(c.Members),
			"profile": profile,
			"rule": map[string]any{
				"text":       c.Rule.Text,
				"mixed":      c.Rule.Mixed,
				"purity":     c.Rule.Purity,
				"support":    c.Rule.Support,
				"coverage":   c.Rule.Coverage,
				"predicates": predicates,
			},
		})
	}
	candidates := make(map[string]any, len(res.Candidates))
	for k, v := range res.Candidates {
		candidates[fmt.Sprint(k)] = finite(v)
	}
	return map[string]any{
		"mode":       res.Mode,
		"k":          res.K,
		"features":   stringList(res.Features),
		"inertia":    finite(res.Inertia),
		"silhouette": finite(res.Silhouette),
		"candidates": candidates,
		"unassigned": intList(res.Unassigned),
		"clusters":   clusters,
	}
}

// AssessmentToMap renders one risk assessment.
func AssessmentToMap(a models.RiskAssessment) map[string]any {
	return map[string]any{
		"record_id":     a.RecordID,
		"probability":   a.Probability,
		"group":         string(a.Group),
		"model_version": a.ModelVersion,
		"attributions":  AttributionsToList(a.Attributions),
	}
}

// AttributionsToList renders attributions in their given order.
func AttributionsToList(attrs []models.Attribution) []any {
	out := make([]any, 0, len(attrs))
	for _, at := range attrs {
		out = append(out, map[string]any{
			"feature":      at.Feature,
			"contribution": at.Contribution,
			"direction":    string(at.Direction),
		})
	}
	return out
}

// AssignmentsToList renders cluster assignments of new records.
func AssignmentsToList(assignments []segment.Assignment) []any {
	out := make([]any, 0, len(assignments))
	for _, a := range assignments {
		out = append(out, map[string]any{
			"unit":    a.Unit,
			"records": intList(a.Records),
			"cluster": a.Cluster,
		})
	}
	return out
}

func admissionsToList(admitted []models.Admission) []any {
	out := make([]any, 0, len(admitted))
	for _, a := range admitted {
		out = append(out, map[string]any{
			"capability": string(a.Capability),
			"mode":       string(a.Mode),
			"variant":    a.Variant,
		})
	}
	return out
}

func unavailableToList(unavailable []models.Unavailable) []any {
	out := make([]any, 0, len(unavailable))
	for _, u := range unavailable {
		out = append(out, map[string]any{
			"capability": string(u.Capability),
			"reason":     u.Reason,
		})
	}
	return out
}

func summariesToList(summaries []geo.LocationSummary) []any {
	out := make([]any, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, map[string]any{
			"location": s.Location,
			"records":  s.Records,
			"mean":     finite(s.Mean),
		})
	}
	return out
}

func stringList(values []string) []any {
	out := make([]any, 0, len(values))
	for _, v := range values {
		out = append(out, v)
	}
	return out
}

func intList(values []int) []any {
	out := make([]any, 0, len(values))
	for _, v := range values {
		out = append(out, v)
	}
	return out
}

// finite maps NaN and infinities to zero; JSON cannot carry them.
func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
