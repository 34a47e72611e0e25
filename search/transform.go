// Package search implements the CDC-to-search-index pipeline: transforming
// raw change rows into searchable documents (C5), enforcing field-level
// access policy before they're written (C6), and bulk-indexing them into
// the search engine (C7).
package search

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Document is the normalized, search-ready representation of one
// aggregate, prior to access filtering.
type Document struct {
	AggregateType string                 `json:"aggregate_type"`
	AggregateID   string                 `json:"aggregate_id"`
	Fields        map[string]interface{} `json:"fields"`
	SearchText    string                 `json:"search_text"`
	SuggestText   string                 `json:"suggest_text"`
	SuggestWeight int                    `json:"suggest_weight"`
}

var whitespaceRE = regexp.MustCompile(`\s+`)
var nonWordExceptHyphenRE = regexp.MustCompile(`[^\w\s-]`)

// NormalizeName collapses whitespace and strips punctuation other than
// hyphens, matching how learner and contact names are indexed.
func NormalizeName(s string) string {
	s = nonWordExceptHyphenRE.ReplaceAllString(s, "")
	s = whitespaceRE.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// NormalizeEmail lowercases an email address for consistent exact-match
// lookups.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeTimestamp renders t as ISO-8601 UTC.
func NormalizeTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

var mathOperators = map[string]string{
	"+": "plus", "-": "minus", "*": "times", "/": "divided by", "=": "equals",
}

var fractionPattern = regexp.MustCompile(`\b(\d+)/(\d+)\b`)

// expandMath appends word-form expansions of arithmetic operators and
// fractions found in text, additively: the original text is preserved.
func expandMath(text string) string {
	var expansions []string
	for symbol, word := range mathOperators {
		if strings.Contains(text, symbol) {
			expansions = append(expansions, word)
		}
	}
	for _, match := range fractionPattern.FindAllStringSubmatch(text, -1) {
		expansions = append(expansions, fmt.Sprintf("%s over %s", match[1], match[2]))
	}
	if len(expansions) == 0 {
		return text
	}
	return text + " " + strings.Join(expansions, " ")
}

var literaryDeviceKeywords = map[string]string{
	"metaphor":  "figurative language comparison",
	"simile":    "figurative language comparison like as",
	"foreshadowing": "hint future plot event",
	"irony":     "contrast expectation reality",
	"alliteration": "repeated initial consonant sound",
}

// expandELA appends plain-language expansions of literary-device
// terminology so free-text search recalls passages discussing the device
// even without using its term of art.
func expandELA(text string) string {
	lower := strings.ToLower(text)
	var expansions []string
	for keyword, expansion := range literaryDeviceKeywords {
		if strings.Contains(lower, keyword) {
			expansions = append(expansions, expansion)
		}
	}
	if len(expansions) == 0 {
		return text
	}
	return text + " " + strings.Join(expansions, " ")
}

var scientificNotationRE = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*[eE]([+-]?\d+)`)

// expandScience appends a spelled-out form of scientific notation.
func expandScience(text string) string {
	var expansions []string
	for _, match := range scientificNotationRE.FindAllStringSubmatch(text, -1) {
		expansions = append(expansions, fmt.Sprintf("%s times ten to the power of %s", match[1], match[2]))
	}
	if len(expansions) == 0 {
		return text
	}
	return text + " " + strings.Join(expansions, " ")
}

var dateRangeRE = regexp.MustCompile(`\b(\d{3,4})\s*(?:-|to|–)\s*(\d{3,4})\b`)

// expandSocialStudies appends an explicit "from X to Y" reading of
// condensed date ranges like "1914-1918".
func expandSocialStudies(text string) string {
	var expansions []string
	for _, match := range dateRangeRE.FindAllStringSubmatch(text, -1) {
		expansions = append(expansions, fmt.Sprintf("from %s to %s", match[1], match[2]))
	}
	if len(expansions) == 0 {
		return text
	}
	return text + " " + strings.Join(expansions, " ")
}

// subjectExpanders maps the closed subject set to its additive text
// post-processor.
var subjectExpanders = map[string]func(string) string{
	"mathematics":    expandMath,
	"english":        expandELA,
	"ela":            expandELA,
	"science":        expandScience,
	"social_studies":  expandSocialStudies,
}

func stringOrEmpty(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// stringOrJoined renders v for search-text concatenation: a plain string is
// used as-is, while a list (how topics/standards decode from JSON) is
// space-joined, skipping empty and non-string entries.
func stringOrJoined(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []interface{}:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok || s == "" {
				continue
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, " ")
	default:
		return ""
	}
}

// Transform converts one CDC row into a search-ready Document. aggregateType
// selects the field-specific normalization rules; data is the decoded
// change-row payload.
func Transform(aggregateType, aggregateID string, data map[string]interface{}) Document {
	fields := make(map[string]interface{}, len(data))
	for k, v := range data {
		fields[k] = v
	}

	if name, ok := fields["name"]; ok {
		fields["name"] = NormalizeName(stringOrEmpty(name))
	}
	if email, ok := fields["email"]; ok {
		fields["email"] = NormalizeEmail(stringOrEmpty(email))
	}

	subject := strings.ToLower(stringOrEmpty(fields["subject"]))
	expand := subjectExpanders[subject]
	isTextKind := aggregateType == "lesson" || aggregateType == "assessment"

	searchParts := make([]string, 0, 5)
	for _, key := range []string{"title", "description", "content", "topics", "standards"} {
		v, ok := fields[key]
		if !ok {
			continue
		}
		text := stringOrJoined(v)
		if text == "" {
			continue
		}
		if isTextKind && expand != nil {
			text = expand(text)
		}
		searchParts = append(searchParts, text)
	}

	doc := Document{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Fields:        fields,
		SearchText:    strings.Join(searchParts, " "),
	}

	if title, ok := fields["title"]; ok {
		doc.SuggestText = stringOrEmpty(title)
	}
	doc.SuggestWeight = suggestWeight(fields)
	return doc
}

// suggestWeight boosts published/active records in completion suggestions.
func suggestWeight(fields map[string]interface{}) int {
	if status, ok := fields["status"].(string); ok {
		switch strings.ToLower(status) {
		case "published", "active":
			return 10
		}
	}
	return 1
}
