package rules

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/liamcoop/policyhub/value"
)

// MaxNameLength bounds template and policy names.
const MaxNameLength = 100

// MaxDescriptionLength bounds policy descriptions.
const MaxDescriptionLength = 1000

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9 _.:\-]*$`)

// ValidateName checks a template or policy name.
// Names are 1-100 characters, start with a letter or digit, and may contain
// letters, digits, spaces, underscores, dots, colons and hyphens.
func ValidateName(field, name string) error {
	if name == "" {
		return invalid(field, "cannot be empty")
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return invalid(field, "length %d exceeds maximum of %d characters", utf8.RuneCountInString(name), MaxNameLength)
	}
	if strings.TrimSpace(name) != name {
		return invalid(field, "has leading or trailing whitespace")
	}
	if !namePattern.MatchString(name) {
		return invalid(field, "must start with a letter or digit and contain only letters, digits, spaces, '_', '.', ':' or '-'")
	}
	return nil
}

// ValidateID checks that id is a canonical UUID.
func ValidateID(field, id string) error {
	if id == "" {
		return invalid(field, "is required")
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return invalid(field, "must be a UUID")
	}
	// Stores key on the canonical form; braces, urn prefixes and
	// uppercase would otherwise miss.
	if parsed.String() != id {
		return invalid(field, "must be a canonical lowercase UUID")
	}
	return nil
}

// ValidatePolicyInput checks everything about a new policy that does not
// need the store.
func ValidatePolicyInput(in PolicyInput) error {
	if err := ValidateName("name", in.Name); err != nil {
		return err
	}
	if err := ValidateID("rule_template_id", in.RuleTemplateID); err != nil {
		return err
	}
	if in.RuleTemplateVersion != nil && *in.RuleTemplateVersion < 1 {
		return invalid("rule_template_version", "must be a positive integer")
	}
	if !in.Metadata.IsNull() && !in.Metadata.IsMap() {
		return invalid("metadata", "must be an object, got %s", in.Metadata.Kind())
	}
	if utf8.RuneCountInString(in.Description) > MaxDescriptionLength {
		return invalid("description", "exceeds maximum of %d characters", MaxDescriptionLength)
	}
	return nil
}

// normalizeMetadata turns absent metadata into an empty object.
func normalizeMetadata(v value.Value) value.Value {
	if v.IsNull() {
		return value.EmptyObject()
	}
	return v
}
