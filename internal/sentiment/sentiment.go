package sentiment

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"unicode"

	"github.com/jonreiter/govader"

	"github.com/miradorstack/mirador-insights/internal/models"
	"github.com/miradorstack/mirador-insights/internal/stats"
	"github.com/miradorstack/mirador-insights/internal/utils"
)

const (
	// labelThreshold splits positive, neutral and negative compound scores.
	labelThreshold = 0.05

	maxKeywords = 10
	// keywords must appear in at least minDocuments reviews and at most maxDocShare of them
	minDocuments = 2
	maxDocShare  = 0.95
)

// Analyzer scores review text with VADER and mines keyword topics. Safe for concurrent use;
// the lexicon is loaded once and only read afterwards.
type Analyzer struct {
	logger *slog.Logger
	vader  *govader.SentimentIntensityAnalyzer
}

// NewAnalyzer constructs an Analyzer.
func NewAnalyzer(logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{logger: logger, vader: govader.NewSentimentIntensityAnalyzer()}
}

// Compound returns the VADER compound score of text in [-1, 1].
func (a *Analyzer) Compound(text string) float64 {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	return stats.Clamp(a.vader.PolarityScores(text).Compound, -1, 1)
}

// Label buckets a compound score.
func Label(compound float64) models.SentimentLabel {
	switch {
	case compound >= labelThreshold:
		return models.SentimentPositive
	case compound <= -labelThreshold:
		return models.SentimentNegative
	default:
		return models.SentimentNeutral
	}
}

// Analyze scores the text field of every record that has one and extracts frequent keywords.
// Records without text are skipped; a dataset with no text at all is a DataError.
func (a *Analyzer) Analyze(ctx context.Context, records []models.CanonicalRecord, field string) (models.SentimentReport, error) {
	report := models.SentimentReport{Counts: make(map[models.SentimentLabel]int)}
	docFreq := make(map[string]int)
	docScore := make(map[string]float64)
	total := 0.0
	for i, rec := range records {
		if i%512 == 0 {
			if err := ctx.Err(); err != nil {
				return models.SentimentReport{}, err
			}
		}
		v, ok := rec.Fields[field]
		if !ok || v.Missing || strings.TrimSpace(v.Str) == "" {
			continue
		}
		compound := a.Compound(v.Str)
		label := Label(compound)
		report.Scores = append(report.Scores, models.SentimentScore{RecordID: rec.ID, Compound: compound, Label: label})
		report.Counts[label]++
		total += compound

		seen := make(map[string]bool)
		for _, tok := range tokenize(v.Str) {
			if len(tok) < 3 || stopWords[tok] || negations[tok] || seen[tok] {
				continue
			}
			seen[tok] = true
			docFreq[tok]++
			docScore[tok] += compound
		}
	}
	if len(report.Scores) == 0 {
		return models.SentimentReport{}, utils.DataError("sentiment.Analyze", "no review text to score")
	}
	report.MeanCompound = total / float64(len(report.Scores))
	report.Keywords = keywords(docFreq, docScore, len(report.Scores))

	a.logger.Debug("reviews scored",
		"reviews", len(report.Scores),
		"positive", report.Counts[models.SentimentPositive],
		"negative", report.Counts[models.SentimentNegative])
	return report, nil
}

func keywords(docFreq map[string]int, docScore map[string]float64, docs int) []models.Keyword {
	var out []models.Keyword
	for term, df := range docFreq {
		if df < minDocuments || (docs > minDocuments && float64(df) > maxDocShare*float64(docs)) {
			continue
		}
		out = append(out, models.Keyword{Term: term, Documents: df, MeanCompound: docScore[term] / float64(df)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Documents != out[j].Documents {
			return out[i].Documents > out[j].Documents
		}
		return out[i].Term < out[j].Term
	})
	if len(out) > maxKeywords {
		out = out[:maxKeywords]
	}
	return out
}

// tokenize lower-cases text, folds apostrophes ("don't" -> "dont") and splits on anything
// that is not a letter.
func tokenize(text string) []string {
	text = strings.ToLower(strings.NewReplacer("'", "", "’", "").Replace(text))
	return strings.FieldsFunc(text, func(r rune) bool { return !unicode.IsLetter(r) })
}
