package collector

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQosRedisCommandMap_SubSecondJitterCollapses(t *testing.T) {
	m := NewQosRedisCommandMap()
	m.Add("user1", 1000, "GET")
	m.Add("user1", 1000, "GET")
	m.Add("user1", 1000, "GET")

	assert.Equal(t, 1, m.Len())
	m.Each(func(user string, second int64, cat string, count int64) {
		assert.Equal(t, int64(3), count)
	})
}

func TestQosRedisCommandMap_SecondBoundaryDistinguished(t *testing.T) {
	m := NewQosRedisCommandMap()
	m.Add("user1", 1000, "GET")
	m.Add("user1", 1001, "GET")

	assert.Equal(t, 2, m.Len())
}

func TestQosRedisCommandMap_Reset(t *testing.T) {
	m := NewQosRedisCommandMap()
	m.Add("user1", 1000, "GET")
	m.Reset()
	assert.Equal(t, 0, m.Len())
}

func TestActiveReqMap_OverwritesNotSums(t *testing.T) {
	m := NewActiveReqMap()
	m.Set("edge1_user1_up", 3)
	m.Set("edge1_user1_up", 5)
	assert.Equal(t, 1, m.Len())

	var got int64
	m.Each(func(connKey string, count int64) { got = count })
	assert.EqualValues(t, 5, got)
}

func TestRedisKey_Shape(t *testing.T) {
	assert.Equal(t, "verb_1000_user_user1$edge1", RedisKey(1000, "user1", "edge1", "GET"))
}

func TestRedisKey_BandwidthCategoryOmitsSecond(t *testing.T) {
	assert.Equal(t, "user_user1$edge1", RedisKey(1000, "user1", "edge1", "bnd_up"))
	assert.Equal(t, "user_user1$edge1", RedisKey(2000, "user1", "edge1", "bnd_dwn"))
}

func TestConnKey_Shape(t *testing.T) {
	assert.Equal(t, "conn_v2_user_up_edge1-8443_user1$edge-svc", ConnKey("up", "edge1-8443", "user1", "edge-svc"))
}
