package registration

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

const (
	fieldDisplayName = "display_name"

	maxDisplayNameLength  = 320
	maxProfileValueLength = 256
)

var allowedProfileFields = map[string]struct{}{
	fieldDisplayName: {},
	"first_name":     {},
	"last_name":      {},
	"major":          {},
	"minor":          {},
	"class_year":     {},
	"grad_date":      {},
	"gender":         {},
	"date_of_birth":  {},
}

// AllowedProfileFields lists the profile keys a registration may carry.
func AllowedProfileFields() []string {
	fields := make([]string, 0, len(allowedProfileFields))
	for field := range allowedProfileFields {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

// normalizeProfile splits a raw submission into the display name and the optional
// answers. Unknown keys are rejected; blank optional answers are dropped.
func normalizeProfile(raw map[string]string) (string, map[string]string, error) {
	profile := make(map[string]string, len(raw))
	displayName := ""
	seen := make(map[string]struct{}, len(raw))
	for rawKey, rawValue := range raw {
		key := strings.ToLower(strings.TrimSpace(rawKey))
		if _, ok := allowedProfileFields[key]; !ok {
			return "", nil, fmt.Errorf("%w: unknown profile field %q", ErrInvalidInput, rawKey)
		}
		if _, dup := seen[key]; dup {
			return "", nil, fmt.Errorf("%w: profile field %q given more than once", ErrInvalidInput, key)
		}
		seen[key] = struct{}{}
		value := strings.TrimSpace(rawValue)
		if key == fieldDisplayName {
			displayName = value
			continue
		}
		if utf8.RuneCountInString(value) > maxProfileValueLength {
			return "", nil, fmt.Errorf("%w: %s exceeds %d characters", ErrInvalidInput, key, maxProfileValueLength)
		}
		if value != "" {
			profile[key] = value
		}
	}
	if displayName == "" {
		return "", nil, fmt.Errorf("%w: display_name is required", ErrInvalidInput)
	}
	if utf8.RuneCountInString(displayName) > maxDisplayNameLength {
		return "", nil, fmt.Errorf("%w: display_name exceeds %d characters", ErrInvalidInput, maxDisplayNameLength)
	}
	return displayName, profile, nil
}
