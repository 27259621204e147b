package geometry

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func TestRange(t *testing.T) {
	t.Run("null_range", func(t *testing.T) {
		r := NullRange()
		require.True(t, r.IsNull())
		require.Zero(t, r.Diagonal())
		require.False(t, r.Contains(r3.Vec{}))
		require.Nil(t, r.Corners())
		require.True(t, r.Transformed(Scaling(2)).IsNull())
	})

	t.Run("union_with_null_is_identity", func(t *testing.T) {
		r := NewRange(r3.Vec{X: 1, Y: 2, Z: 3}, r3.Vec{X: -1})
		require.Equal(t, r, r.Union(NullRange()))
		require.Equal(t, r, NullRange().Union(r))
	})

	t.Run("union", func(t *testing.T) {
		a := NewRange(r3.Vec{}, r3.Vec{X: 1, Y: 1, Z: 1})
		b := NewRange(r3.Vec{X: 3, Y: -2, Z: 0.5})
		u := a.Union(b)
		require.Equal(t, r3.Vec{X: 0, Y: -2, Z: 0}, u.Low)
		require.Equal(t, r3.Vec{X: 3, Y: 1, Z: 1}, u.High)
		require.True(t, u.Contains(r3.Vec{X: 2, Y: 0, Z: 0.5}))
		require.Equal(t, r3.Vec{X: 1.5, Y: -0.5, Z: 0.5}, u.Center())
	})

	t.Run("diagonal", func(t *testing.T) {
		r := NewRange(r3.Vec{}, r3.Vec{X: 3, Y: 4})
		require.InDelta(t, 5, r.Diagonal(), 1e-12)
	})

	t.Run("transformed", func(t *testing.T) {
		r := NewRange(r3.Vec{}, r3.Vec{X: 1, Y: 1, Z: 1})
		moved := r.Transformed(Translation(r3.Vec{X: 5}).Multiply(Scaling(2)))
		require.Equal(t, r3.Vec{X: 5}, moved.Low)
		require.Equal(t, r3.Vec{X: 7, Y: 2, Z: 2}, moved.High)
	})
}

func TestTransform(t *testing.T) {
	p := r3.Vec{X: 1, Y: 2, Z: 3}

	require.True(t, Identity().IsIdentity())
	require.Equal(t, p, Identity().Apply(p))

	scaleThenMove := Translation(r3.Vec{X: 10}).Multiply(Scaling(3))
	require.Equal(t, r3.Vec{X: 13, Y: 6, Z: 9}, scaleThenMove.Apply(p))
	require.InDelta(t, 3, scaleThenMove.MaxScale(), 1e-12)
	require.False(t, scaleThenMove.IsIdentity())

	moveThenScale := Scaling(3).Multiply(Translation(r3.Vec{X: 10}))
	require.Equal(t, r3.Vec{X: 33, Y: 6, Z: 9}, moveThenScale.Apply(p))

	rot := Transform{M: [3][4]float64{
		{0, -1, 0, 0},
		{1, 0, 0, 0},
		{0, 0, 1, 0},
	}}
	q := rot.Apply(r3.Vec{X: 1})
	require.InDelta(t, 0, q.X, 1e-12)
	require.InDelta(t, 1, q.Y, 1e-12)
	require.InDelta(t, 1, rot.MaxScale(), 1e-12)
	require.False(t, math.IsNaN(rot.MaxScale()))
}
