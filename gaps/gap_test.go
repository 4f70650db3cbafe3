package gaps

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGapContainsAndSize(t *testing.T) {
	g := Gap{Start: 10, End: 20}
	require.Equal(t, int64(11), g.Size())
	require.True(t, g.Contains(10))
	require.True(t, g.Contains(20))
	require.False(t, g.Contains(9))
	require.False(t, g.Contains(21))
}

func TestGapOverlaps(t *testing.T) {
	tests := []struct {
		name    string
		a, b    Gap
		overlap bool
	}{
		{"disjoint", Gap{Start: 1, End: 5}, Gap{Start: 6, End: 10}, false},
		{"touching", Gap{Start: 1, End: 5}, Gap{Start: 5, End: 10}, true},
		{"nested", Gap{Start: 1, End: 100}, Gap{Start: 40, End: 60}, true},
		{"identical", Gap{Start: 3, End: 7}, Gap{Start: 3, End: 7}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.overlap, tt.a.Overlaps(tt.b))
			require.Equal(t, tt.overlap, tt.b.Overlaps(tt.a))
		})
	}
}

func TestValidateDetectsOverlapAndInversion(t *testing.T) {
	now := time.Now()
	require.NoError(t, validate([]Gap{
		{Start: 1, End: 5, CreateTime: now},
		{Start: 7, End: 9, CreateTime: now},
	}))

	err := validate([]Gap{
		{Start: 1, End: 7, CreateTime: now},
		{Start: 7, End: 9, CreateTime: now},
	})
	require.ErrorIs(t, err, ErrGapOverlap)

	err = validate([]Gap{{Start: 9, End: 4, CreateTime: now}})
	require.ErrorIs(t, err, ErrGapInvalid)
}
