package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Pool_AllocUntilExhausted(t *testing.T) {
	p := New[int](2)

	idx0, v0, err := p.Alloc()
	require.NoError(t, err)
	*v0 = 10

	idx1, v1, err := p.Alloc()
	require.NoError(t, err)
	*v1 = 20

	assert.NotEqual(t, idx0, idx1)

	_, _, err = p.Alloc()
	assert.ErrorIs(t, err, ErrExhausted)

	assert.Equal(t, 10, *p.Get(idx0))
	assert.Equal(t, 20, *p.Get(idx1))
}

func Test_Pool_FreeMakesIndexReusable(t *testing.T) {
	p := New[string](1)

	idx, v, err := p.Alloc()
	require.NoError(t, err)
	*v = "stale"

	p.Free(idx)
	assert.Nil(t, p.Get(idx))

	idx2, v2, err := p.Alloc()
	require.NoError(t, err)
	assert.Equal(t, idx, idx2)
	// Reused entries must come back zeroed.
	assert.Equal(t, "", *v2)
}

func Test_Pool_Traverse(t *testing.T) {
	p := New[int](4)
	for i := 0; i < 3; i++ {
		_, v, err := p.Alloc()
		require.NoError(t, err)
		*v = i * 100
	}

	sum := 0
	p.Traverse(func(_ uint32, v *int) bool {
		sum += *v
		return true
	})
	assert.Equal(t, 300, sum)
}
