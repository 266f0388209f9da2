package domain

import "time"

// EventPolarity classifies a corporate event's expected price impact.
type EventPolarity string

const (
	PolarityPositive EventPolarity = "POSITIVE"
	PolarityNegative EventPolarity = "NEGATIVE"
	PolarityNeutral  EventPolarity = "NEUTRAL"
)

// CorporateEvent is one vendor-sourced corporate event.
// Identity is (SourceName, EventID); ingestion upserts on that key.
type CorporateEvent struct {
	SourceName    string
	EventID       string
	Symbol        string
	EventType     string
	PublishTime   time.Time
	EffectiveTime *time.Time
	Polarity      EventPolarity
	Score         float64 // 0..1
	Confidence    float64 // 0..1
	Title         string
	Summary       string
	RawRef        string
	Tags          []string
	Metadata      map[string]interface{}
}

// EventSource describes a registered event feed.
type EventSource struct {
	SourceName          string
	Type                string
	Provider            string
	Timezone            string
	IngestionLagMinutes int
	ReliabilityScore    float64 // 0..1
}
