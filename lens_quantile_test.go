package optics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/optics/pkg/rng"
)

func TestQuantileValidation(t *testing.T) {
	o := testRegion(t)

	_, err := o.QuantileAlloc("q", 0, 100, 1)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = o.QuantileAlloc("q", 1, 100, 1)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = o.QuantileAlloc("q", 0.9, 100, 1)
	assert.NoError(t, err)
}

func TestQuantileReadIsAnchorPlusMultiplier(t *testing.T) {
	o := testRegion(t)

	q, err := o.QuantileAlloc("q", 0.5, 100, 2.5)
	require.NoError(t, err)

	v, err := q.QuantileRead(0)
	require.NoError(t, err)
	assert.Equal(t, 100.0, v)

	p := (*quantilePayload)(payloadPtr(q.l, TypeQuantile))
	p.multiplier = 4

	v, err = q.QuantileRead(1)
	require.NoError(t, err)
	assert.Equal(t, 110.0, v)
}

func TestQuantileConverges(t *testing.T) {
	o := testRegion(t)

	q, err := o.QuantileAlloc("q", 0.9, 0, 0.5)
	require.NoError(t, err)

	// Uniform draws over [0, 1000): the estimate should drift towards the
	// 90th percentile.
	r := rng.New()
	for i := 0; i < 200000; i++ {
		require.True(t, q.QuantileUpdate(float64(r.GenRange(0, 1000))))
	}

	v, err := q.QuantileRead(0)
	require.NoError(t, err)
	assert.InDelta(t, 900, v, 100)
}

func TestStreamingConverges(t *testing.T) {
	o := testRegion(t)

	s, err := o.StreamingAlloc("s", 0.5, 0, 0.5)
	require.NoError(t, err)

	r := rng.New()
	for i := 0; i < 200000; i++ {
		require.True(t, s.StreamingUpdate(float64(r.GenRange(0, 1000))))
	}

	v, err := s.StreamingRead(0)
	require.NoError(t, err)
	assert.InDelta(t, 500, v, 100)
}

func TestQuantileSurvivesEpochFlips(t *testing.T) {
	o := testRegion(t)

	q, err := o.QuantileAlloc("q", 0.5, 42, 1)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		v, err := q.QuantileRead(o.EpochInc())
		require.NoError(t, err)
		assert.Equal(t, 42.0, v)
	}
}
