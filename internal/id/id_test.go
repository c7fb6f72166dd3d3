package id

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUUIDv7(t *testing.T) {
	t.Parallel()

	gen := UUIDv7{}
	a, b := gen.NewID(), gen.NewID()
	assert.NotEqual(t, a, b)
	parsed, err := uuid.Parse(a)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())
	assert.Less(t, a, b)
}

func TestSequence(t *testing.T) {
	t.Parallel()

	seq := &Sequence{Prefix: "r"}
	assert.Equal(t, "r-1", seq.NewID())
	assert.Equal(t, "r-2", seq.NewID())
	assert.Equal(t, "run-1", (&Sequence{}).NewID())
}
