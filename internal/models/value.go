package models

import "time"

// ValuePrediction is the per-record customer value estimate.
type ValuePrediction struct {
	RecordID     int
	Predicted    float64
	Actual       float64
	HasActual    bool
	ModelVersion string
}

// ValueArtifact is the logical export shape of a customer value regressor.
type ValueArtifact struct {
	Kind        string
	Version     string
	TargetField string
	TrainedAt   time.Time
	Features    []FeatureSpec
	Base        float64
	Trees       []TreeArtifact
}
