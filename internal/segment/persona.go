package segment

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-insights/internal/models"
	"github.com/miradorstack/mirador-insights/internal/profiler"
)

// Persona directions a rule predicate can express.
const (
	DirectionLow  = "low"
	DirectionHigh = "high"
	directionBand = "band"
)

// Persona is one labelling heuristic: all conditions must hold on the rule.
type Persona struct {
	Name string            `yaml:"name"`
	When map[string]string `yaml:"when"`
}

// PersonaFile is the YAML root structure.
type PersonaFile struct {
	Personas []Persona `yaml:"personas"`
}

// PersonaTable maps rule shapes to human-readable labels; first match wins.
type PersonaTable struct {
	personas []Persona
}

// DefaultPersonas returns the built-in table, most specific entries first.
func DefaultPersonas() *PersonaTable {
	return &PersonaTable{personas: []Persona{
		{Name: "High-value newcomers", When: map[string]string{FeatureRecency: DirectionLow, FeatureFrequency: DirectionLow, FeatureMonetary: DirectionHigh}},
		{Name: "Active whales", When: map[string]string{FeatureRecency: DirectionLow, FeatureMonetary: DirectionHigh}},
		{Name: "Lost low-value customers", When: map[string]string{FeatureRecency: DirectionHigh, FeatureMonetary: DirectionLow}},
		{Name: "Young spenders", When: map[string]string{profiler.FieldAge: DirectionLow, profiler.FieldSpendingScore: DirectionHigh}},
		{Name: "Young savers", When: map[string]string{profiler.FieldAge: DirectionLow, profiler.FieldSpendingScore: DirectionLow}},
		{Name: "Senior spenders", When: map[string]string{profiler.FieldAge: DirectionHigh, profiler.FieldSpendingScore: DirectionHigh}},
		{Name: "Senior savers", When: map[string]string{profiler.FieldAge: DirectionHigh, profiler.FieldSpendingScore: DirectionLow}},
		{Name: "Big spenders", When: map[string]string{FeatureMonetary: DirectionHigh}},
		{Name: "Loyal regulars", When: map[string]string{FeatureFrequency: DirectionHigh}},
		{Name: "Lapsed customers", When: map[string]string{FeatureRecency: DirectionHigh}},
		{Name: "Recently active", When: map[string]string{FeatureRecency: DirectionLow}},
		{Name: "High spenders", When: map[string]string{profiler.FieldSpendingScore: DirectionHigh}},
		{Name: "Careful savers", When: map[string]string{profiler.FieldSpendingScore: DirectionLow}},
		{Name: "Family households", When: map[string]string{profiler.FieldFamilySize: DirectionHigh}},
		{Name: "Young customers", When: map[string]string{profiler.FieldAge: DirectionLow}},
		{Name: "Senior customers", When: map[string]string{profiler.FieldAge: DirectionHigh}},
	}}
}

// LoadPersonaTable reads a persona table from path. An empty path or missing file yields
// the built-in table.
func LoadPersonaTable(path string) (*PersonaTable, error) {
	if path == "" {
		return DefaultPersonas(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultPersonas(), nil
		}
		return nil, err
	}
	var file PersonaFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	for _, p := range file.Personas {
		if p.Name == "" || len(p.When) == 0 {
			return nil, fmt.Errorf("persona table: entries need a name and at least one condition")
		}
		for feature, dir := range p.When {
			if dir != DirectionLow && dir != DirectionHigh {
				return nil, fmt.Errorf("persona %q: direction %q for %s must be low or high", p.Name, dir, feature)
			}
		}
	}
	return &PersonaTable{personas: file.Personas}, nil
}

// Label names a cluster from its rule. Never fails: a mixed rule or one that matches no entry
// yields "Segment {id}".
func (t *PersonaTable) Label(cluster models.Cluster, rule models.Rule) string {
	fallback := fmt.Sprintf("Segment %d", cluster.ID)
	if t == nil || rule.Mixed {
		return fallback
	}
	dirs := ruleDirections(rule)
	for _, p := range t.personas {
		matched := true
		for feature, want := range p.When {
			if dirs[feature] != want {
				matched = false
				break
			}
		}
		if matched {
			return p.Name
		}
	}
	return fallback
}

// ruleDirections reads each feature's direction off the rule; a feature bounded on both
// sides is a band and expresses neither.
func ruleDirections(rule models.Rule) map[string]string {
	dirs := make(map[string]string, len(rule.Predicates))
	for _, p := range rule.Predicates {
		dir := DirectionHigh
		if p.Op == models.OpLessEqual {
			dir = DirectionLow
		}
		if prev, ok := dirs[p.Feature]; ok && prev != dir {
			dirs[p.Feature] = directionBand
			continue
		}
		dirs[p.Feature] = dir
	}
	return dirs
}
