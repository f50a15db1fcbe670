package prng

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSameKeySameSamples(t *testing.T) {
	a := NewKey(0).Normal(16, 1)
	b := NewKey(0).Normal(16, 1)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, NewKey(1).Normal(16, 1))
}

func TestSplitIsDeterministicAndDistinct(t *testing.T) {
	k := NewKey(42)
	s1, s2 := k.Split(3), k.Split(3)
	assert.Equal(t, s1, s2)
	assert.NotEqual(t, s1[0], s1[1])
	assert.NotEqual(t, s1[1], s1[2])
	assert.NotEqual(t, k, s1[0])
	assert.Equal(t, s1[2], k.Split(5)[2])
}

func TestRandIntRange(t *testing.T) {
	for _, v := range NewKey(3).RandInt(1000, 5, 9) {
		assert.GreaterOrEqual(t, v, int32(5))
		assert.Less(t, v, int32(9))
	}
}

func TestBernoulliExtremes(t *testing.T) {
	for _, v := range NewKey(1).Bernoulli(100, 1) {
		assert.True(t, v)
	}
	for _, v := range NewKey(1).Bernoulli(100, 0) {
		assert.False(t, v)
	}
}
