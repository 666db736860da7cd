package validate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestName(t *testing.T) {
	assert.Empty(t, Name("ACME Corporation", "legal_name"))
	assert.Contains(t, Name("", "legal_name")[0], "is empty")
	assert.Contains(t, Name("   ", "legal_name")[0], "is empty")
	assert.Contains(t, Name("!!! ---", "legal_name")[0], "only special characters")
	assert.Contains(t, Name(strings.Repeat("a", 501), "legal_name")[0], "too long")
}

func TestDate(t *testing.T) {
	assert.Empty(t, Date("", "effective_date"))
	assert.Empty(t, Date("2024-06-15", "effective_date"))
	assert.Empty(t, Date("06/15/2024", "effective_date"))
	assert.Empty(t, Date("20240615", "effective_date"))
	assert.Contains(t, Date("June 15, 2024", "effective_date")[0], "invalid format")
	assert.Contains(t, Date("1750-01-01", "effective_date")[0], "unreasonable year")
	assert.Contains(t, Date("2150-01-01", "effective_date")[0], "unreasonable year")
}

func TestState(t *testing.T) {
	assert.Empty(t, State(""))
	assert.Empty(t, State("IA"))
	assert.NotEmpty(t, State("Iowa"))
	assert.NotEmpty(t, State("I9"))
}

func TestZipCode(t *testing.T) {
	assert.Empty(t, ZipCode(""))
	assert.Empty(t, ZipCode("50309"))
	assert.Empty(t, ZipCode("50309-1234"))
	assert.NotEmpty(t, ZipCode("5030"))
	assert.NotEmpty(t, ZipCode("50309-12"))
	assert.NotEmpty(t, ZipCode("ABCDE"))
}

func TestCoordinates(t *testing.T) {
	assert.Empty(t, Coordinates(-93.6, 41.59))
	assert.Contains(t, Coordinates(-181, 0)[0], "longitude")
	assert.Contains(t, Coordinates(0, 91)[0], "latitude")
	assert.Len(t, Coordinates(200, -95), 2)
}

func TestAddressFields(t *testing.T) {
	assert.Empty(t, AddressFields(Address{City: "Des Moines", State: "IA", Zip: "50309"}))
	errs := AddressFields(Address{City: strings.Repeat("c", 101), State: "Iowa", Zip: "bad"})
	assert.Len(t, errs, 3)
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "", Sanitize("", 500))
	assert.Equal(t, "abc", Sanitize("  abc\x00  ", 500))
	assert.Equal(t, "ab", Sanitize("abcd", 2))
}
