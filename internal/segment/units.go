package segment

import (
	"strconv"
	"time"

	"github.com/miradorstack/mirador-insights/internal/models"
	"github.com/miradorstack/mirador-insights/internal/profiler"
	"github.com/miradorstack/mirador-insights/internal/utils"
)

// Clustering modes.
const (
	ModeDemographic = models.VariantDemographic
	ModeRFM         = models.VariantRFM
)

// RFM feature names.
const (
	FeatureRecency   = "recency_days"
	FeatureFrequency = "frequency"
	FeatureMonetary  = "monetary"
)

// Unit is one clustered entity: a record in demographic mode, a customer in RFM mode.
type Unit struct {
	Key     string
	Records []int
	Values  []float64
}

// UnitTable is the feature matrix a clustering run works on, in original units.
type UnitTable struct {
	Mode     string
	Features []string
	Units    []Unit
	// Unassigned lists record IDs that could not form a complete unit.
	Unassigned []int
}

// Column returns the values of feature across units.
func (t UnitTable) Column(feature string) ([]float64, bool) {
	j := t.index(feature)
	if j < 0 {
		return nil, false
	}
	out := make([]float64, len(t.Units))
	for i, u := range t.Units {
		out[i] = u.Values[j]
	}
	return out, true
}

func (t UnitTable) index(feature string) int {
	for j, f := range t.Features {
		if f == feature {
			return j
		}
	}
	return -1
}

func (t UnitTable) rows() [][]float64 {
	out := make([][]float64, len(t.Units))
	for i, u := range t.Units {
		out[i] = u.Values
	}
	return out
}

// BuildUnits derives the unit table for mode from canonical records.
func BuildUnits(records []models.CanonicalRecord, mode string) (UnitTable, error) {
	switch mode {
	case ModeDemographic:
		return demographicUnits(records), nil
	case ModeRFM:
		return rfmUnits(records), nil
	}
	return UnitTable{}, utils.ValidationError("segment.BuildUnits", "unknown clustering mode "+strconv.Quote(mode), "mode")
}

func demographicUnits(records []models.CanonicalRecord) UnitTable {
	features := []string{profiler.FieldAge, profiler.FieldSpendingScore}
	for _, rec := range records {
		if _, ok := rec.Num(profiler.FieldFamilySize); ok {
			features = append(features, profiler.FieldFamilySize)
			break
		}
	}
	table := UnitTable{Mode: ModeDemographic, Features: features}
	for _, rec := range records {
		values := make([]float64, len(features))
		complete := true
		for j, f := range features {
			v, ok := rec.Num(f)
			if !ok {
				complete = false
				break
			}
			values[j] = v
		}
		if !complete {
			table.Unassigned = append(table.Unassigned, rec.ID)
			continue
		}
		table.Units = append(table.Units, Unit{Key: strconv.Itoa(rec.ID), Records: []int{rec.ID}, Values: values})
	}
	return table
}

// rfmUnits aggregates invoices per customer: recency is days from the last dated purchase to
// the snapshot (latest date in the data plus one day), frequency counts records, monetary
// sums amounts. Customers without a usable date or id are unassigned.
func rfmUnits(records []models.CanonicalRecord) UnitTable {
	type agg struct {
		records  []int
		last     time.Time
		dated    bool
		count    int
		monetary float64
	}
	table := UnitTable{Mode: ModeRFM, Features: []string{FeatureRecency, FeatureFrequency, FeatureMonetary}}

	var (
		order    []string
		snapshot time.Time
	)
	byCustomer := make(map[string]*agg)
	for _, rec := range records {
		id, ok := rec.Fields[profiler.FieldCustomerID]
		if !ok || id.Missing || id.Str == models.UnknownCategory || id.Str == "" {
			table.Unassigned = append(table.Unassigned, rec.ID)
			continue
		}
		a := byCustomer[id.Str]
		if a == nil {
			a = &agg{}
			byCustomer[id.Str] = a
			order = append(order, id.Str)
		}
		a.records = append(a.records, rec.ID)
		a.count++
		if amt, ok := rec.Num(profiler.FieldTotalAmount); ok {
			a.monetary += amt
		}
		if d, ok := rec.Fields[profiler.FieldInvoiceDate]; ok && !d.Missing && d.Type == models.TypeDatetime {
			if !a.dated || d.Time.After(a.last) {
				a.last, a.dated = d.Time, true
			}
			if d.Time.After(snapshot) {
				snapshot = d.Time
			}
		}
	}
	snapshot = snapshot.Add(24 * time.Hour)

	for _, key := range order {
		a := byCustomer[key]
		if !a.dated {
			table.Unassigned = append(table.Unassigned, a.records...)
			continue
		}
		table.Units = append(table.Units, Unit{
			Key:     key,
			Records: a.records,
			Values:  []float64{utils.DaysBetween(a.last, snapshot), float64(a.count), a.monetary},
		})
	}
	return table
}
