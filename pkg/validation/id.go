// Copyright (C) 2026 IndaStreet (engineering@indastreet.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation provides input validation for security-critical
// identifiers.
//
// Booking and session IDs end up in store key paths and upstream query
// parameters, so they must be validated before use to prevent key-prefix
// collisions and injection into composed keys.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// idPattern matches external identifiers: letters, digits, hyphens, and
// underscores, 1 to 64 characters. Notably excludes "/" and ":", which
// the store uses as key separators.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_\-]{1,64}$`)

// ValidateID validates an external identifier before it is embedded in a
// store key or a request URL.
//
// Valid IDs:
//   - 1-64 characters
//   - Letters, digits, hyphens, underscores
//
// Returns an error naming the field when the ID is invalid.
func ValidateID(field, id string) error {
	if id == "" {
		return fmt.Errorf("%s cannot be empty", field)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("invalid %s: %q (must be 1-64 alphanumeric, hyphen, or underscore chars)", field, id)
	}
	return nil
}

// ValidateIDs validates multiple identifiers of the same kind. Returns an
// error listing every invalid value.
func ValidateIDs(field string, ids []string) error {
	var invalid []string
	for _, id := range ids {
		if err := ValidateID(field, id); err != nil {
			invalid = append(invalid, id)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid %ss: %v", field, invalid)
	}
	return nil
}

// SanitizeID trims whitespace and validates. Returns the cleaned ID.
func SanitizeID(field, id string) (string, error) {
	cleaned := strings.TrimSpace(id)
	if err := ValidateID(field, cleaned); err != nil {
		return "", err
	}
	return cleaned, nil
}
