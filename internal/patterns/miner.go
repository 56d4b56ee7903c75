package patterns

import (
	"context"
	"log/slog"
	"sort"

	"github.com/miradorstack/mirador-insights/internal/models"
)

// Store abstracts persistence for mined retention options.
type Store interface {
	StoreRetention(ctx context.Context, sessionID string, options []models.RetentionOption) error
}

// Miner derives per-category churn rates and the safest option of each categorical field.
type Miner struct {
	store  Store
	logger *slog.Logger
}

// NewMiner constructs a Miner; store may be nil for dry runs.
func NewMiner(logger *slog.Logger, store Store) *Miner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Miner{store: store, logger: logger}
}

// Mine tallies churn by category for every field in fields, in the given order. Records with
// a missing label are skipped. A field yields an option only when at least two categories were
// observed; the option is the category with the lowest churn rate, ties broken by name.
func (m *Miner) Mine(ctx context.Context, sessionID string, records []models.CanonicalRecord, label string, fields []string) ([]models.RetentionOption, error) {
	if len(records) == 0 || len(fields) == 0 {
		return nil, nil
	}

	options := make([]models.RetentionOption, 0, len(fields))
	for _, field := range fields {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		agg := newAggregate()
		for _, rec := range records {
			lv, ok := rec.Fields[label]
			if !ok || lv.Missing || lv.Type != models.TypeBoolean {
				continue
			}
			v, ok := rec.Fields[field]
			if !ok || v.Missing || v.Type != models.TypeCategorical {
				continue
			}
			agg.add(v.Str, lv.Bool)
		}
		if len(agg.totals) < 2 {
			continue
		}
		options = append(options, agg.option(field))
	}

	if m.store != nil && len(options) > 0 {
		if err := m.store.StoreRetention(ctx, sessionID, options); err != nil {
			m.logger.Warn("retention store failed", slog.Any("error", err))
		}
	}
	return options, nil
}

type aggregate struct {
	totals map[string]int
	churns map[string]int
}

func newAggregate() *aggregate {
	return &aggregate{totals: make(map[string]int), churns: make(map[string]int)}
}

func (a *aggregate) add(category string, churned bool) {
	a.totals[category]++
	if churned {
		a.churns[category]++
	}
}

func (a *aggregate) option(field string) models.RetentionOption {
	opt := models.RetentionOption{
		Field:   field,
		Rates:   make(map[string]float64, len(a.totals)),
		Support: make(map[string]int, len(a.totals)),
	}
	categories := make([]string, 0, len(a.totals))
	for c, n := range a.totals {
		opt.Rates[c] = float64(a.churns[c]) / float64(n)
		opt.Support[c] = n
		categories = append(categories, c)
	}
	sort.Slice(categories, func(i, j int) bool {
		ri, rj := opt.Rates[categories[i]], opt.Rates[categories[j]]
		if ri != rj {
			return ri < rj
		}
		return categories[i] < categories[j]
	})
	opt.BestOption = categories[0]
	opt.ChurnRate = opt.Rates[categories[0]]
	return opt
}
