package models

import "time"

// Direction tags whether a feature pushed risk up or down.
type Direction string

const (
	DirectionIncreases Direction = "increases"
	DirectionDecreases Direction = "decreases"
	DirectionNeutral   Direction = "neutral"
)

// RiskGroup buckets a churn probability.
type RiskGroup string

const (
	RiskLow    RiskGroup = "Low"
	RiskMedium RiskGroup = "Medium"
	RiskHigh   RiskGroup = "High"
)

// Attribution is one feature's signed contribution on the log-odds scale.
type Attribution struct {
	Feature      string
	Contribution float64
	Direction    Direction
	Magnitude    float64
}

// RiskAssessment is the per-record churn scoring output.
type RiskAssessment struct {
	RecordID     int
	Probability  float64
	Group        RiskGroup
	Attributions []Attribution
	Features     map[string]Value
	ModelVersion string
}

// FeatureImportance summarises attribution over a record set.
type FeatureImportance struct {
	Feature      string
	MeanAbsolute float64
	Direction    Direction
}

// RetentionOption is the lowest-churn category of a categorical field.
type RetentionOption struct {
	Field      string
	BestOption string
	ChurnRate  float64
	Rates      map[string]float64
	Support    map[string]int
}

// ChurnArtifact is the logical export shape of a churn model.
type ChurnArtifact struct {
	Kind           string
	Version        string
	LabelField     string
	TrainedAt      time.Time
	Features       []FeatureSpec
	BaseMargin     float64
	ExpectedMargin float64
	Trees          []TreeArtifact
}

// FeatureSpec describes one model input and its expected domain.
type FeatureSpec struct {
	Name       string
	Kind       FieldType
	Default    float64
	Categories []string
	Min        float64
	Max        float64
}

// TreeArtifact is a flattened regression tree. Leaves have Feature == -1.
type TreeArtifact struct {
	Nodes []TreeNodeArtifact
}

// TreeNodeArtifact is one node of a flattened tree.
type TreeNodeArtifact struct {
	Feature   int
	Threshold float64
	Left      int
	Right     int
	Value     float64
	Cover     float64
}
