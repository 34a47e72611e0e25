package search

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// MaskStrategy is how a restricted field is treated for a role without
// access.
type MaskStrategy string

const (
	MaskRemove MaskStrategy = "remove"
	MaskRedact MaskStrategy = "redact"
	MaskHash   MaskStrategy = "hash"
)

// Sensitivity is the overall classification of a document once field rules
// and pattern scanning have been applied.
type Sensitivity string

const (
	SensitivityPublic Sensitivity = "public"
	SensitivityLow    Sensitivity = "low"
	SensitivityMedium Sensitivity = "medium"
	SensitivityHigh   Sensitivity = "high"
)

var sensitivityRank = map[Sensitivity]int{
	SensitivityPublic: 0,
	SensitivityLow:    1,
	SensitivityMedium: 2,
	SensitivityHigh:   3,
}

func maxSensitivity(a, b Sensitivity) Sensitivity {
	if sensitivityRank[b] > sensitivityRank[a] {
		return b
	}
	return a
}

// FieldRule restricts a single field to a set of roles, with a mask
// strategy applied for callers outside that set.
type FieldRule struct {
	EntityType   string
	FieldName    string
	AllowedRoles map[string]bool
	Strategy     MaskStrategy
	Sensitivity  Sensitivity
}

// Policy is the full set of field rules. The audience a document was
// originally intended for is passed to Apply separately.
type Policy struct {
	Rules []FieldRule
}

// FilteredDocument is a Document after access-policy enforcement, or nil if
// no role retains visibility.
type FilteredDocument struct {
	Document
	DataSensitivity Sensitivity `json:"data_sensitivity"`
	VisibleToRoles  []string    `json:"visible_to_roles"`
}

var (
	ssnRE        = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	phoneRE      = regexp.MustCompile(`\b(?:\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`)
	emailRE      = regexp.MustCompile(`\b[\w.+-]+@[\w-]+\.[\w.-]+\b`)
	creditCardRE = regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`)
)

const redactedPlaceholder = "[REDACTED]"

func scanAndRedact(s string) string {
	s = ssnRE.ReplaceAllString(s, redactedPlaceholder)
	s = phoneRE.ReplaceAllString(s, redactedPlaceholder)
	s = emailRE.ReplaceAllString(s, redactedPlaceholder)
	s = creditCardRE.ReplaceAllString(s, redactedPlaceholder)
	return s
}

func applyStrategy(value string, strategy MaskStrategy) string {
	switch strategy {
	case MaskRedact:
		if len(value) <= 2 {
			return value
		}
		return value[:2] + strings.Repeat("*", len(value)-2)
	case MaskHash:
		sum := sha256.Sum256([]byte(value))
		return hex.EncodeToString(sum[:])[:8]
	default:
		return value
	}
}

// Apply runs the four-step access policy over doc for a caller holding
// callerRoles, returning nil if the resulting visible-role set is empty.
func (p Policy) Apply(doc Document, audienceRoles []string, callerRoles []string) *FilteredDocument {
	fields := make(map[string]interface{}, len(doc.Fields))
	for k, v := range doc.Fields {
		fields[k] = v
	}

	callerSet := make(map[string]bool, len(callerRoles))
	for _, r := range callerRoles {
		callerSet[r] = true
	}

	sensitivity := SensitivityPublic
	for _, rule := range p.Rules {
		if rule.EntityType != "" && rule.EntityType != doc.AggregateType {
			continue
		}
		value, present := fields[rule.FieldName]
		if !present {
			continue
		}

		allowed := false
		for role := range callerSet {
			if rule.AllowedRoles[role] {
				allowed = true
				break
			}
		}

		if !allowed {
			switch rule.Strategy {
			case MaskRemove:
				delete(fields, rule.FieldName)
			default:
				fields[rule.FieldName] = applyStrategy(stringOrEmpty(value), rule.Strategy)
			}
		}
		if rule.Sensitivity != "" {
			sensitivity = maxSensitivity(sensitivity, rule.Sensitivity)
		}
	}

	searchText := doc.SearchText
	for k, v := range fields {
		if s, ok := v.(string); ok {
			redacted := scanAndRedact(s)
			if redacted != s {
				fields[k] = redacted
				sensitivity = maxSensitivity(sensitivity, SensitivityHigh)
			}
		}
	}
	redactedSearchText := scanAndRedact(searchText)
	if redactedSearchText != searchText {
		sensitivity = maxSensitivity(sensitivity, SensitivityHigh)
	}

	visible := intersect(audienceRoles, policyAudience(p, doc.AggregateType))
	if len(visible) == 0 {
		return nil
	}

	filtered := doc
	filtered.Fields = fields
	filtered.SearchText = redactedSearchText
	return &FilteredDocument{Document: filtered, DataSensitivity: sensitivity, VisibleToRoles: visible}
}

// DefaultPolicy is the field-level access policy applied to indexed
// documents in production: it strips compliance-sensitive learner fields
// from any caller role that isn't explicitly cleared for them.
func DefaultPolicy() Policy {
	return Policy{
		Rules: []FieldRule{
			{
				EntityType:   "learner_profile",
				FieldName:    "ssn",
				AllowedRoles: map[string]bool{"admin": true},
				Strategy:     MaskRemove,
				Sensitivity:  SensitivityHigh,
			},
			{
				EntityType:   "learner_profile",
				FieldName:    "address",
				AllowedRoles: map[string]bool{"admin": true},
				Strategy:     MaskRemove,
				Sensitivity:  SensitivityMedium,
			},
			{
				EntityType:   "learner_profile",
				FieldName:    "email",
				AllowedRoles: map[string]bool{"teacher": true, "admin": true},
				Strategy:     MaskRedact,
				Sensitivity:  SensitivityLow,
			},
		},
	}
}

// policyAudience derives the roles this entity type's rules ever grant
// access to, across all fields — the policy-side half of the
// visible_to_roles intersection.
func policyAudience(p Policy, aggregateType string) []string {
	seen := make(map[string]bool)
	for _, rule := range p.Rules {
		if rule.EntityType != "" && rule.EntityType != aggregateType {
			continue
		}
		for role := range rule.AllowedRoles {
			seen[role] = true
		}
	}
	if len(seen) == 0 {
		return nil // no rule restricts this entity type: any intended audience stands
	}
	roles := make([]string, 0, len(seen))
	for role := range seen {
		roles = append(roles, role)
	}
	return roles
}

func intersect(a, b []string) []string {
	if b == nil {
		return a
	}
	bSet := make(map[string]bool, len(b))
	for _, r := range b {
		bSet[r] = true
	}
	var out []string
	for _, r := range a {
		if bSet[r] {
			out = append(out, r)
		}
	}
	return out
}
