package models

// Capability names one analytical function that may run on a dataset.
type Capability string

const (
	CapabilityChurn        Capability = "churn"
	CapabilitySegmentation Capability = "segmentation"
	CapabilitySentiment    Capability = "sentiment"
	CapabilityGeospatial   Capability = "geospatial"
)

// AllCapabilities lists capabilities in gate evaluation and report order.
var AllCapabilities = []Capability{
	CapabilityChurn,
	CapabilitySegmentation,
	CapabilitySentiment,
	CapabilityGeospatial,
}

// Segmentation variants.
const (
	VariantRFM         = "rfm"
	VariantDemographic = "demographic"
)

// Mode describes whether an admitted capability runs with its full feature set.
type Mode string

const (
	ModeFull     Mode = "full"
	ModeDegraded Mode = "degraded"
)

// VariantStatus captures field resolution for one flavour of a capability.
type VariantStatus struct {
	Name     string
	Required []string
	Optional []string
	Resolved []string
	Missing  []string
	Ready    bool
	// Degraded marks a variant that runs with a reduced feature set.
	Degraded bool
}

// CapabilityStatus is the per-capability entry of a CapabilityMap. Admitted holds only when
// every required field of the capability (or of one of its variants) was resolved.
type CapabilityStatus struct {
	Capability Capability
	Admitted   bool
	Required   []string
	Optional   []string
	Resolved   []string
	Missing    []string
	Variants   []VariantStatus
	// DependsOn lists capabilities of which at least one must be admitted by the gate.
	DependsOn []Capability
}

// CapabilityMap maps capability names to their resolution state.
type CapabilityMap map[Capability]CapabilityStatus

// Admission is one capability the gate let through.
type Admission struct {
	Capability Capability
	Mode       Mode
	Variant    string
}

// Unavailable explains why a capability is not runnable on the dataset.
type Unavailable struct {
	Capability Capability
	Reason     string
}

// Decision is the gateway output.
type Decision struct {
	Admitted    []Admission
	Unavailable []Unavailable
}

// Admission returns the admission for c if present.
func (d Decision) Admission(c Capability) (Admission, bool) {
	for _, a := range d.Admitted {
		if a.Capability == c {
			return a, true
		}
	}
	return Admission{}, false
}

// IsAdmitted reports whether c was admitted.
func (d Decision) IsAdmitted(c Capability) bool {
	_, ok := d.Admission(c)
	return ok
}

// FieldResolution records which source column a canonical field resolved to.
type FieldResolution struct {
	Field        string
	Column       string
	Expected     FieldType
	Inferred     FieldType
	TypeMismatch bool
}

// IgnoredDuplicate records a column that matched a field already resolved to another column.
type IgnoredDuplicate struct {
	Field  string
	Column string
	Chosen string
	Reason string
}

// ColumnProfile is the inferred shape of one source column.
type ColumnProfile struct {
	Column     string
	Normalized string
	Inferred   FieldType
	Sampled    int
	Nulls      int
	Distinct   int
}

// Profile is the SchemaProfiler output.
type Profile struct {
	Columns      []ColumnProfile
	Resolutions  map[string]FieldResolution
	Ignored      []IgnoredDuplicate
	Capabilities CapabilityMap
	Diagnostics  []string
}

// Mapping returns canonical field -> source column for every resolved field.
func (p Profile) Mapping() map[string]string {
	out := make(map[string]string, len(p.Resolutions))
	for field, res := range p.Resolutions {
		out[field] = res.Column
	}
	return out
}
