package persistence

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "($1, $2, $3)", placeholders(1, 3))
	assert.Equal(t, "($1, $2), ($3, $4), ($5, $6)", placeholders(3, 2))
}
