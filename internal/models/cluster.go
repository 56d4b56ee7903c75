package models

// Predicate is one feature-threshold test of a rule.
type Predicate struct {
	Feature   string
	Op        string
	Threshold float64
}

// Predicate operators.
const (
	OpLessEqual = "<="
	OpGreater   = ">"
)

// MixedRuleText is reported when no leaf reaches the purity threshold.
const MixedRuleText = "mixed/no dominant rule"

// Rule is the human-readable description of a cluster.
type Rule struct {
	Predicates []Predicate
	Purity     float64
	Support    int
	Coverage   float64
	Mixed      bool
	Text       string
}

// Cluster is one segment of a clustering run.
type Cluster struct {
	ID       int
	Centroid []float64
	Profile  map[string]float64
	Members  []int
	Units    []string
	Rule     Rule
	Persona  string
}

// ScalerArtifact is the logical export shape of clustering standardization parameters.
type ScalerArtifact struct {
	Kind      string
	Version   string
	Mode      string
	Features  []string
	Means     []float64
	Stds      []float64
	Centroids [][]float64
}
