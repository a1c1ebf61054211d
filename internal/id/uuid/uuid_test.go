package uuid

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bundlefetch/internal/bundle"
)

var _ bundle.IDGenerator = Generator{}

func TestNewBIDIsVersion7(t *testing.T) {
	t.Parallel()

	bid, err := NewUUIDGenerator().NewBID()
	require.NoError(t, err)
	parsed, err := uuid.Parse(bid.String())
	require.NoError(t, err)
	require.Equal(t, uuid.Version(7), parsed.Version())
}

func TestNewBIDOrdering(t *testing.T) {
	t.Parallel()

	gen := NewUUIDGenerator()
	prev, err := gen.NewBID()
	require.NoError(t, err)
	for range 1000 {
		next, err := gen.NewBID()
		require.NoError(t, err)
		require.Greater(t, next.String(), prev.String())
		prev = next
	}
}

func TestNewID(t *testing.T) {
	t.Parallel()

	id, err := NewUUIDGenerator().NewID()
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	require.NoError(t, err)
}
