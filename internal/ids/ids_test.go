package ids

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProducesValidULID(t *testing.T) {
	id := New()
	assert.Len(t, id, 26)
	assert.True(t, Valid(id))
}

func TestValidRejectsGarbage(t *testing.T) {
	assert.False(t, Valid("not-a-ulid"))
	assert.False(t, Valid(""))
}

func TestNewAgentID(t *testing.T) {
	a, err := NewAgentID()
	require.NoError(t, err)
	assert.Len(t, a, 64)

	b, err := NewAgentID()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestNewTokenLength(t *testing.T) {
	tok, err := NewToken(48)
	require.NoError(t, err)
	assert.Len(t, tok, 96)
}
