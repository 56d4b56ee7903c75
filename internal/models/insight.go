package models

// SentimentLabel buckets a compound sentiment score.
type SentimentLabel string

const (
	SentimentPositive SentimentLabel = "positive"
	SentimentNeutral  SentimentLabel = "neutral"
	SentimentNegative SentimentLabel = "negative"
)

// SentimentScore is one scored review.
type SentimentScore struct {
	RecordID int
	Compound float64
	Label    SentimentLabel
}

// Keyword is a frequent review term with the mean sentiment of the reviews using it.
type Keyword struct {
	Term         string
	Documents    int
	MeanCompound float64
}

// SentimentReport aggregates review scoring over a dataset.
type SentimentReport struct {
	Scores       []SentimentScore
	Counts       map[SentimentLabel]int
	MeanCompound float64
	Keywords     []Keyword
}

// LocationRef is the per-record location handed to an external geocoder. Raw is the
// location text as given; Origin is its first leg when it describes a route.
type LocationRef struct {
	RecordID       int
	Raw            string
	Origin         string
	Lat            float64
	Lon            float64
	HasCoordinates bool
}
