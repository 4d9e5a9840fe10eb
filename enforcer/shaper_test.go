package enforcer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShaper_NoPolicySlowdown_AllowsUpToShare(t *testing.T) {
	s := NewShaper(nil, 0)
	dir := &DirState{ShareBytesPerSec: 1000}

	res := s.Decide(dir, 100, 1)
	assert.False(t, res.Throttled)
	assert.Equal(t, int64(100), res.AllowBytes)
}

func TestShaper_ZeroLimit_DeniesAndWaitsMax(t *testing.T) {
	s := NewShaper(nil, 0)
	dir := &DirState{ShareBytesPerSec: 0}

	res := s.Decide(dir, 100, 1)
	assert.Equal(t, int64(0), res.AllowBytes)
	assert.Equal(t, 2*defaultPeriod, res.Wait)
}

func TestShaper_FairShare_DividesAcrossActiveRequests(t *testing.T) {
	s := NewShaper(nil, 0)
	dir := &DirState{ShareBytesPerSec: 1000}

	res := s.Decide(dir, 1000, 4)
	require.False(t, res.Throttled)
	assert.LessOrEqual(t, res.AllowBytes, int64(250))
}

func TestShaper_PolicySlowdown_ZeroAgeDeniesWithinSecond(t *testing.T) {
	s := NewShaper(nil, 0)
	dir := &DirState{
		ShareBytesPerSec:         1000,
		ThrottleReceivedEpochSec: s.clock.Now().Unix(),
		DiffRatio:                2.0,
	}
	res := s.Decide(dir, 100, 1)
	// policyAge == 0 -> allowedUsec == 0; if elapsed-in-second > 0 this throttles.
	if res.Throttled {
		assert.Equal(t, int64(0), res.AllowBytes)
	}
}

func TestCeilDiv(t *testing.T) {
	assert.Equal(t, int64(3), ceilDiv(10, 4))
	assert.Equal(t, int64(0), ceilDiv(0, 4))
	assert.Equal(t, int64(10), ceilDiv(10, 0))
}
