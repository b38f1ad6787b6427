package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewID()
	require.NoError(t, err)
	id2, err := gen.NewID()
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	parsed, err := goUUID.Parse(id1)
	require.NoError(t, err)
	require.Equal(t, goUUID.Version(7), parsed.Version())
}

func TestGeneratorMustIDOrdered(t *testing.T) {
	t.Parallel()

	gen := New()
	prev := gen.MustID()
	for i := 0; i < 50; i++ {
		next := gen.MustID()
		require.Less(t, prev, next, "v7 ids sort by creation time")
		prev = next
	}
}
