package detect

import "strings"

// Marker tags a call as touching a regulated use case. Markers are not
// sensitive-data categories; they feed the classifier as call metadata.
type Marker string

const (
	MarkerHighRiskUse   Marker = "high_risk_use"
	MarkerProhibitedUse Marker = "prohibited_use"
	MarkerTransparency  Marker = "transparency_context"
)

// Keyword tables for EU AI Act use-case detection. Matching is case-insensitive
// substring search over the combined prompt and response text.
var highRiskKeywords = []string{
	"credit score",
	"loan decision",
	"employment",
	"hiring",
	"termination",
	"medical diagnosis",
	"treatment recommendation",
	"law enforcement",
	"biometric",
	"facial recognition",
	"emotion recognition",
	"critical infrastructure",
	"educational assessment",
	"border control",
	"asylum",
	"benefits eligibility",
}

var prohibitedKeywords = []string{
	"social scoring",
	"mass surveillance",
	"subliminal manipulation",
	"exploit vulnerabilities",
	"real-time biometric public spaces",
}

var transparencyKeywords = []string{
	"customer service",
	"chatbot",
	"virtual assistant",
}

// ScanMarkers looks for use-case keywords in text and returns the matched
// markers in a fixed order (prohibited first). Like Scan, it degrades to an
// empty result on empty input.
func ScanMarkers(text string) []Marker {
	if text == "" {
		return nil
	}
	lower := strings.ToLower(text)

	var markers []Marker
	if containsAny(lower, prohibitedKeywords) {
		markers = append(markers, MarkerProhibitedUse)
	}
	if containsAny(lower, highRiskKeywords) {
		markers = append(markers, MarkerHighRiskUse)
	}
	if containsAny(lower, transparencyKeywords) {
		markers = append(markers, MarkerTransparency)
	}
	return markers
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
