package collector

import (
	"fmt"
	"strings"
)

// bndCategoryPrefix marks the two synthesized categories data_xfer events
// contribute ("bnd_up"/"bnd_dwn"), which route to a different KV key shape
// than request counts (§3: no embedded second, since byte totals are
// re-read fresh every tick rather than summed per discrete second).
const bndCategoryPrefix = "bnd_"

// commandKey identifies one (user, second, category) bucket. Equality and
// hashing are structural (plain Go map key), which already satisfies §8's
// invariant that sub-second jitter within the same wall-clock second
// collapses to one bucket while a second boundary does not: ArrivalUnixSec
// is the floored second, never a sub-second value.
type commandKey struct {
	User     string
	Second   int64
	Category string
}

// QosRedisCommandMap is the per-worker (user, second, category) → count
// aggregate (§4.2). It is not safe for concurrent use; each worker owns
// exactly one, touched only by its consumer goroutine.
type QosRedisCommandMap struct {
	counts map[commandKey]int64
}

// NewQosRedisCommandMap returns an empty command map.
func NewQosRedisCommandMap() *QosRedisCommandMap {
	return &QosRedisCommandMap{counts: make(map[commandKey]int64)}
}

// Add records one occurrence of (user, second, category).
func (m *QosRedisCommandMap) Add(user string, second int64, cat string) {
	m.counts[commandKey{user, second, cat}]++
}

// Len reports the number of distinct buckets, used to decide when a
// count-triggered flush is due (§4.2 "default 250,000 updates").
func (m *QosRedisCommandMap) Len() int {
	return len(m.counts)
}

// Reset clears the map in place for reuse after a flush.
func (m *QosRedisCommandMap) Reset() {
	for k := range m.counts {
		delete(m.counts, k)
	}
}

// Each iterates every bucket. fn must not mutate the map.
func (m *QosRedisCommandMap) Each(fn func(user string, second int64, cat string, count int64)) {
	for k, v := range m.counts {
		fn(k.User, k.Second, k.Category, v)
	}
}

// RedisKey builds the compound KV key for one bucket (§3). Request-count
// categories (verbs, op-classes) key on `verb_<sec>_user_<key>$<endpoint>`,
// one hash per second; the two synthesized bandwidth categories
// ("bnd_up"/"bnd_dwn") instead key on `user_<key>$<endpoint>` with no
// embedded second, since byte totals are re-read fresh every policy tick
// rather than summed per discrete second. "$<endpoint>" is the configured
// service/deployment identifier (§6, GLOSSARY "Endpoint"), shared by every
// worker in the deployment so their HIncrBy calls combine rather than
// collide; the Policy Generator reads both shapes via ScanPrefix (§4.3).
func RedisKey(second int64, user, endpoint, category string) string {
	if strings.HasPrefix(category, bndCategoryPrefix) {
		return fmt.Sprintf("user_%s$%s", user, endpoint)
	}
	return fmt.Sprintf("verb_%d_user_%s$%s", second, user, endpoint)
}

// ActiveReqMap is the per-worker conn_key → latest-count aggregate (§4.2):
// a plain overwrite, never summed locally. Not safe for concurrent use.
type ActiveReqMap struct {
	counts map[string]int64
}

// NewActiveReqMap returns an empty active-request map.
func NewActiveReqMap() *ActiveReqMap {
	return &ActiveReqMap{counts: make(map[string]int64)}
}

// Set overwrites the latest count for connKey.
func (m *ActiveReqMap) Set(connKey string, count int64) {
	m.counts[connKey] = count
}

// Len reports the number of distinct connection keys currently tracked.
func (m *ActiveReqMap) Len() int {
	return len(m.counts)
}

// Reset clears the map in place for reuse after a flush.
func (m *ActiveReqMap) Reset() {
	for k := range m.counts {
		delete(m.counts, k)
	}
}

// Each iterates every entry. fn must not mutate the map.
func (m *ActiveReqMap) Each(fn func(connKey string, count int64)) {
	for k, v := range m.counts {
		fn(k, v)
	}
}

// ConnKey builds the active-request KV key for one (direction, instance,
// user) counter slot (§3: `conn_v2_user_<dir>_<instance_id>_<key>$<endpoint>`).
func ConnKey(dir, instanceID, userKey, endpoint string) string {
	return fmt.Sprintf("conn_v2_user_%s_%s_%s$%s", dir, instanceID, userKey, endpoint)
}
