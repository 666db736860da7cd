// Package validate provides pure per-record field validators. Each validator
// returns an ordered list of error strings, empty iff the value is valid.
package validate

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

const maxNameLen = 500

var (
	nonWordOnly  = regexp.MustCompile(`^[\s\W]+$`)
	zipPattern   = regexp.MustCompile(`^\d{5}(-\d{4})?$`)
	statePattern = regexp.MustCompile(`^[A-Za-z]{2}$`)
)

// dateFormats enumerates the accepted date layouts.
var dateFormats = []string{
	"2006-01-02",
	"01/02/2006",
	"02/01/2006",
	"20060102",
}

// Name validates an entity name: non-empty, bounded, not entirely
// non-word characters.
func Name(name, fieldName string) []string {
	var errs []string
	if strings.TrimSpace(name) == "" {
		return []string{fmt.Sprintf("%s is empty", fieldName)}
	}
	if n := utf8.RuneCountInString(name); n > maxNameLen {
		errs = append(errs, fmt.Sprintf("%s too long (%d chars, max %d)", fieldName, n, maxNameLen))
	}
	if nonWordOnly.MatchString(name) {
		errs = append(errs, fmt.Sprintf("%s contains only special characters", fieldName))
	}
	return errs
}

// Date validates a date string against the accepted formats and the
// year range [1800, 2100]. An empty string is valid (optional field).
func Date(dateStr, fieldName string) []string {
	if dateStr == "" {
		return nil
	}
	for _, layout := range dateFormats {
		t, err := time.Parse(layout, dateStr)
		if err != nil {
			continue
		}
		if y := t.Year(); y < 1800 || y > 2100 {
			return []string{fmt.Sprintf("%s has unreasonable year: %d", fieldName, y)}
		}
		return nil
	}
	return []string{fmt.Sprintf("%s has invalid format: %s", fieldName, dateStr)}
}

// State validates a two-letter state code. Empty is valid.
func State(state string) []string {
	if state == "" {
		return nil
	}
	if !statePattern.MatchString(state) {
		return []string{fmt.Sprintf("state must be a two-letter code, got: %s", state)}
	}
	return nil
}

// ZipCode validates five-digit or five-plus-four postal codes. Empty is valid.
func ZipCode(zip string) []string {
	if zip == "" {
		return nil
	}
	if !zipPattern.MatchString(zip) {
		return []string{fmt.Sprintf("invalid zip code format: %s", zip)}
	}
	return nil
}

// Address holds the validated components of a postal address.
type Address struct {
	Street string
	City   string
	State  string
	Zip    string
}

// AddressFields validates an address's components.
func AddressFields(a Address) []string {
	var errs []string
	if a.City != "" && utf8.RuneCountInString(a.City) > 100 {
		errs = append(errs, fmt.Sprintf("city name too long (%d chars)", utf8.RuneCountInString(a.City)))
	}
	errs = append(errs, State(a.State)...)
	errs = append(errs, ZipCode(a.Zip)...)
	return errs
}

// Coordinates validates a lon/lat pair in [-180,180] x [-90,90].
func Coordinates(lon, lat float64) []string {
	var errs []string
	if lon < -180 || lon > 180 {
		errs = append(errs, fmt.Sprintf("invalid longitude: %g", lon))
	}
	if lat < -90 || lat > 90 {
		errs = append(errs, fmt.Sprintf("invalid latitude: %g", lat))
	}
	return errs
}

// Sanitize strips NUL bytes, trims whitespace, and truncates to maxLength.
func Sanitize(value string, maxLength int) string {
	if value == "" {
		return ""
	}
	value = strings.ReplaceAll(value, "\x00", "")
	value = strings.TrimSpace(value)
	if maxLength > 0 && utf8.RuneCountInString(value) > maxLength {
		runes := []rune(value)
		value = string(runes[:maxLength])
	}
	return value
}
