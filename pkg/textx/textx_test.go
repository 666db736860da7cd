package textx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeText(t *testing.T) {
	assert.Equal(t, "hello\nworld\t!", SanitizeText("he\x00llo\nwo\x7frld\t!"))
	assert.Equal(t, "ACME CORP", SanitizeText("  ACME CORP \x01"))
	assert.Equal(t, "", SanitizeText("\x00\x02"))
}

func TestCollapseSpaces(t *testing.T) {
	assert.Equal(t, "ACME HOLDING CO", CollapseSpaces("  ACME \t HOLDING\n\nCO "))
	assert.Equal(t, "", CollapseSpaces("   "))
}
