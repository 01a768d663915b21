package units

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKPHFromMPS(t *testing.T) {
	assert.InDelta(t, 36.0, KPHFromMPS(10), 0.0001)
	assert.Equal(t, 0.0, KPHFromMPS(0))
}

func TestKPHFromKnots(t *testing.T) {
	assert.InDelta(t, 1.852, KPHFromKnots(1), 0.0001)
	assert.InDelta(t, 41.484, KPHFromKnots(22.4), 0.001)
}

func TestMPHFromKPH(t *testing.T) {
	assert.InDelta(t, 62.1371, MPHFromKPH(100), 0.001)
}
