// Package types provides the core data types shared across the detector.
package types

import "time"

// TimestampLayout is the ISO-8601 UTC layout used for every stored timestamp,
// e.g. "2026-01-17T16:29:03.416Z".
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Family is the vendor or operator group a detected bot belongs to.
type Family string

const (
	FamilyOpenAI     Family = "openai"
	FamilyPerplexity Family = "perplexity"
	FamilyAnthropic  Family = "anthropic"
	FamilyGoogle     Family = "google"
)

// BotType is the behavioral category of a detected hit.
type BotType string

const (
	// TypeTraining is a crawl that collects model training data.
	TypeTraining BotType = "training"
	// TypeSearch is a crawl that feeds an AI search index.
	TypeSearch BotType = "search"
	// TypeUser is a fetch triggered by an end user's prompt.
	TypeUser BotType = "user"
)

// BotTypes lists every bot type in counter order.
var BotTypes = []BotType{TypeTraining, TypeSearch, TypeUser}

// Valid reports whether t is one of the known bot types.
func (t BotType) Valid() bool {
	switch t {
	case TypeTraining, TypeSearch, TypeUser:
		return true
	}
	return false
}

// Confidence is how sure the classifier is about a match.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// ReasonUAMatch is the only detection strategy implemented: a user-agent rule matched.
const ReasonUAMatch = "ua_match"

// Detection is the classification tuple attached to every hit.
type Detection struct {
	Family     Family     `json:"family"`
	Type       BotType    `json:"type"`
	Confidence Confidence `json:"confidence"`
	Reason     string     `json:"reason"`
}

// BotHit is one classified request. It is built once and never mutated.
type BotHit struct {
	TS         string     `json:"ts"`
	IP         *string    `json:"ip"`
	UA         string     `json:"ua"`
	Host       string     `json:"host"`
	Path       string     `json:"path"`
	Method     string     `json:"method"`
	Country    *string    `json:"country,omitempty"`
	Colo       *string    `json:"colo,omitempty"`
	BotFamily  Family     `json:"bot_family"`
	BotType    BotType    `json:"bot_type"`
	Confidence Confidence `json:"confidence"`
	Reason     string     `json:"reason"`
}

// Detection returns the classification tuple of the hit.
func (h BotHit) Detection() Detection {
	return Detection{
		Family:     h.BotFamily,
		Type:       h.BotType,
		Confidence: h.Confidence,
		Reason:     h.Reason,
	}
}

// FormatTimestamp renders t in TimestampLayout after converting it to UTC.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}
