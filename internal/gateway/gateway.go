package gateway

import (
	"fmt"
	"strings"

	"github.com/miradorstack/mirador-insights/internal/models"
)

// Decide turns a capability map into admissions. Capabilities without dependencies are
// settled first; capabilities that piggyback on others are evaluated afterwards against the
// first stage's admissions only. Output follows models.AllCapabilities order. Decide is pure.
func Decide(m models.CapabilityMap) models.Decision {
	admitted := make(map[models.Capability]models.Admission)
	unavailable := make(map[models.Capability]string)

	for _, c := range models.AllCapabilities {
		status, ok := m[c]
		if !ok {
			unavailable[c] = "capability not profiled"
			continue
		}
		if len(status.DependsOn) > 0 {
			continue
		}
		admit(status, admitted, unavailable)
	}

	for _, c := range models.AllCapabilities {
		status, ok := m[c]
		if !ok || len(status.DependsOn) == 0 {
			continue
		}
		hosted := false
		for _, dep := range status.DependsOn {
			if _, ok := admitted[dep]; ok {
				hosted = true
				break
			}
		}
		if !hosted {
			unavailable[c] = fmt.Sprintf("requires an admitted %s capability", joinCapabilities(status.DependsOn, " or "))
			continue
		}
		admit(status, admitted, unavailable)
	}

	var decision models.Decision
	for _, c := range models.AllCapabilities {
		if a, ok := admitted[c]; ok {
			decision.Admitted = append(decision.Admitted, a)
			continue
		}
		if reason, ok := unavailable[c]; ok {
			decision.Unavailable = append(decision.Unavailable, models.Unavailable{Capability: c, Reason: reason})
		}
	}
	return decision
}

func admit(status models.CapabilityStatus, admitted map[models.Capability]models.Admission, unavailable map[models.Capability]string) {
	if len(status.Variants) == 0 {
		if !status.Admitted {
			unavailable[status.Capability] = "missing required fields: " + strings.Join(missingOf(status.Required, status.Missing), ", ")
			return
		}
		mode := models.ModeFull
		if len(status.Optional) > 0 && len(missingOf(status.Optional, status.Missing)) == len(status.Optional) {
			mode = models.ModeDegraded
		}
		admitted[status.Capability] = models.Admission{Capability: status.Capability, Mode: mode}
		return
	}

	// full variants win over degraded ones, declaration order breaks ties
	var chosen *models.VariantStatus
	for i := range status.Variants {
		v := &status.Variants[i]
		if !v.Ready {
			continue
		}
		if chosen == nil || (chosen.Degraded && !v.Degraded) {
			chosen = v
		}
	}
	if chosen == nil {
		parts := make([]string, 0, len(status.Variants))
		for _, v := range status.Variants {
			parts = append(parts, fmt.Sprintf("%s missing %s", v.Name, strings.Join(missingOf(v.Required, v.Missing), ", ")))
		}
		unavailable[status.Capability] = "no variant runnable: " + strings.Join(parts, "; ")
		return
	}
	mode := models.ModeFull
	if chosen.Degraded {
		mode = models.ModeDegraded
	}
	admitted[status.Capability] = models.Admission{Capability: status.Capability, Mode: mode, Variant: chosen.Name}
}

// missingOf returns the members of fields listed in missing, keeping fields order.
func missingOf(fields, missing []string) []string {
	set := make(map[string]bool, len(missing))
	for _, f := range missing {
		set[f] = true
	}
	var out []string
	for _, f := range fields {
		if set[f] {
			out = append(out, f)
		}
	}
	return out
}

func joinCapabilities(caps []models.Capability, sep string) string {
	names := make([]string, len(caps))
	for i, c := range caps {
		names[i] = string(c)
	}
	return strings.Join(names, sep)
}
