package profiler

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-insights/internal/models"
)

// Canonical field names.
const (
	FieldCustomerID     = "customer_id"
	FieldTenureMonths   = "tenure_months"
	FieldMonthlyCharges = "monthly_charges"
	FieldTotalAmount    = "total_amount"
	FieldContractType   = "contract_type"
	FieldPaymentMethod  = "payment_method"
	FieldGender         = "gender"
	FieldProfession     = "profession"
	FieldChurnLabel     = "churn_label"
	FieldAge            = "age"
	FieldFamilySize     = "family_size"
	FieldSpendingScore  = "spending_score"
	FieldInvoiceDate    = "invoice_date"
	FieldReviewText     = "review_text"
	FieldLocation       = "location"
	FieldLatitude       = "latitude"
	FieldLongitude      = "longitude"
	FieldCoordinates    = "coordinates"
)

// FieldSpec describes one canonical field.
type FieldSpec struct {
	Name     string
	Expected models.FieldType
	Aliases  []string
	// Ordinal maps lower-cased labels onto numbers for ordinal numeric fields.
	Ordinal map[string]float64
	// NoImpute keeps missing numerics missing (coordinates must never be invented).
	NoImpute bool
}

// VariantSpec is one flavour of a capability with its own requirements.
type VariantSpec struct {
	Name     string
	Required []string
	Optional []string
	Degraded bool
}

// CapabilitySpec declares the fields a capability needs.
type CapabilitySpec struct {
	Capability models.Capability
	Required   []string
	Optional   []string
	Variants   []VariantSpec
	DependsOn  []models.Capability
}

// Registry is the canonical vocabulary plus capability requirements.
type Registry struct {
	Fields       []FieldSpec
	Capabilities []CapabilitySpec
	byAlias      map[string]string
	byName       map[string]int
}

// DefaultRegistry returns the built-in vocabulary.
func DefaultRegistry() *Registry {
	fields := []FieldSpec{
		{Name: FieldCustomerID, Expected: models.TypeCategorical, Aliases: []string{"customer_id", "customer", "cust_id", "client_id", "user_id", "account_id", "customer_no", "customer_code", "customer_key", "id"}},
		{Name: FieldTenureMonths, Expected: models.TypeNumeric, Aliases: []string{"tenure", "tenure_months", "tenure_in_months", "months", "months_active", "customer_tenure", "duration_months"}},
		{Name: FieldMonthlyCharges, Expected: models.TypeNumeric, Aliases: []string{"monthly_charges", "monthly_charge", "monthly_fee", "monthly_bill", "monthly_amt", "monthly_spend"}},
		{Name: FieldTotalAmount, Expected: models.TypeNumeric, Aliases: []string{"amt", "bill", "total_amount", "amount", "total_charges", "total_spend", "spend", "total", "monetary", "revenue", "sales", "purchase_amount", "transaction_amount"}},
		{Name: FieldContractType, Expected: models.TypeCategorical, Aliases: []string{"contract", "contract_type", "plan", "plan_type", "subscription_type"}},
		{Name: FieldPaymentMethod, Expected: models.TypeCategorical, Aliases: []string{"payment_method", "payment", "payment_type", "pay_method"}},
		{Name: FieldGender, Expected: models.TypeCategorical, Aliases: []string{"gender", "sex"}},
		{Name: FieldProfession, Expected: models.TypeCategorical, Aliases: []string{"profession", "job", "occupation"}},
		{Name: FieldChurnLabel, Expected: models.TypeBoolean, Aliases: []string{"churn", "churn_label", "churned", "target", "exited", "is_churn", "attrition", "left"}},
		{Name: FieldAge, Expected: models.TypeNumeric, Aliases: []string{"age", "customer_age", "age_years"}},
		{Name: FieldFamilySize, Expected: models.TypeNumeric, Aliases: []string{"family_size", "household_size", "family", "dependents_count"}},
		{Name: FieldSpendingScore, Expected: models.TypeNumeric, Aliases: []string{"spending_score", "spend_score", "spending", "spending_score_1_100"},
			Ordinal: map[string]float64{"low": 1, "average": 2, "medium": 2, "high": 3}},
		{Name: FieldInvoiceDate, Expected: models.TypeDatetime, Aliases: []string{"invoice_date", "transaction_date", "txn_date", "purchase_date", "order_date", "date"}},
		{Name: FieldReviewText, Expected: models.TypeText, Aliases: []string{"review", "review_text", "reviews", "comment", "comments", "feedback", "body", "text", "content"}},
		{Name: FieldLocation, Expected: models.TypeText, Aliases: []string{"location", "route", "destination", "flight_path", "country", "region", "state", "city", "province", "zip", "postal_code", "address"}},
		{Name: FieldLatitude, Expected: models.TypeNumeric, Aliases: []string{"latitude", "lat"}, NoImpute: true},
		{Name: FieldLongitude, Expected: models.TypeNumeric, Aliases: []string{"longitude", "lon", "lng", "long"}, NoImpute: true},
		{Name: FieldCoordinates, Expected: models.TypeGeo, Aliases: []string{"coordinates", "coords", "lat_lon", "latlon", "lat_lng", "geo", "geolocation"}},
	}
	caps := []CapabilitySpec{
		{
			Capability: models.CapabilityChurn,
			Required:   []string{FieldChurnLabel, FieldTenureMonths, FieldTotalAmount},
			Optional:   []string{FieldMonthlyCharges, FieldContractType, FieldPaymentMethod, FieldGender, FieldAge, FieldFamilySize},
		},
		{
			Capability: models.CapabilitySegmentation,
			Variants: []VariantSpec{
				{Name: models.VariantRFM, Required: []string{FieldCustomerID, FieldInvoiceDate, FieldTotalAmount}},
				{Name: models.VariantDemographic, Degraded: true, Required: []string{FieldAge, FieldSpendingScore}, Optional: []string{FieldFamilySize, FieldGender, FieldProfession}},
			},
		},
		{
			Capability: models.CapabilitySentiment,
			Required:   []string{FieldReviewText},
			Optional:   []string{FieldCustomerID},
		},
		{
			Capability: models.CapabilityGeospatial,
			Variants: []VariantSpec{
				{Name: "coordinates", Required: []string{FieldCoordinates}},
				{Name: "lat_lon", Required: []string{FieldLatitude, FieldLongitude}},
				{Name: "location", Required: []string{FieldLocation}, Degraded: true},
			},
			DependsOn: []models.Capability{models.CapabilityChurn, models.CapabilitySentiment},
		},
	}
	reg, err := newRegistry(fields, caps)
	if err != nil {
		panic(err)
	}
	return reg
}

func newRegistry(fields []FieldSpec, caps []CapabilitySpec) (*Registry, error) {
	reg := &Registry{
		Fields:       fields,
		Capabilities: caps,
		byAlias:      make(map[string]string),
		byName:       make(map[string]int, len(fields)),
	}
	for i, f := range fields {
		reg.byName[f.Name] = i
		for _, alias := range f.Aliases {
			key := NormalizeColumn(alias)
			if owner, ok := reg.byAlias[key]; ok && owner != f.Name {
				return nil, fmt.Errorf("alias %q claimed by both %s and %s", key, owner, f.Name)
			}
			reg.byAlias[key] = f.Name
		}
	}
	return reg, nil
}

// Field returns the spec for a canonical field.
func (r *Registry) Field(name string) (FieldSpec, bool) {
	i, ok := r.byName[name]
	if !ok {
		return FieldSpec{}, false
	}
	return r.Fields[i], true
}

// Lookup maps a source column name onto its canonical field.
func (r *Registry) Lookup(column string) (string, bool) {
	field, ok := r.byAlias[NormalizeColumn(column)]
	return field, ok
}

// Capability returns the requirements of c.
func (r *Registry) Capability(c models.Capability) (CapabilitySpec, bool) {
	for _, spec := range r.Capabilities {
		if spec.Capability == c {
			return spec, true
		}
	}
	return CapabilitySpec{}, false
}

type aliasFile struct {
	Aliases map[string][]string `yaml:"aliases"`
}

// LoadRegistry returns the default registry extended with aliases from a YAML file of the form
// `aliases: {total_amount: [revenue_usd]}`. An empty path or missing file yields the defaults.
func LoadRegistry(path string) (*Registry, error) {
	base := DefaultRegistry()
	if path == "" {
		return base, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return base, nil
		}
		return nil, fmt.Errorf("read alias file: %w", err)
	}
	var file aliasFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse alias file: %w", err)
	}

	fields := make([]FieldSpec, len(base.Fields))
	copy(fields, base.Fields)
	for name, extra := range file.Aliases {
		i, ok := base.byName[name]
		if !ok {
			return nil, fmt.Errorf("alias file: unknown canonical field %q", name)
		}
		fields[i].Aliases = append(append([]string(nil), fields[i].Aliases...), extra...)
	}
	return newRegistry(fields, base.Capabilities)
}

// NormalizeColumn folds a header into lower snake case: "Monthly Charges", "monthlyCharges"
// and "monthly-charges" all become "monthly_charges".
func NormalizeColumn(name string) string {
	name = strings.TrimSpace(name)
	var b strings.Builder
	runes := []rune(name)
	lastUnderscore := true
	for i, r := range runes {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if unicode.IsUpper(r) && i > 0 && !lastUnderscore {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteRune('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}
