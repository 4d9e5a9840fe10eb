package policygen

import (
	"fmt"
	"strconv"
	"strings"
)

// verbKeyPrefix builds the scan prefix covering every
// verb_<sec>_user_<key>$<endpoint> key for one second (§3), across every
// user and worker sharing this deployment's endpoint.
func verbKeyPrefix(second int64) string {
	return fmt.Sprintf("verb_%d_user_", second)
}

// parseVerbKey extracts the user key and endpoint from a scanned
// verb_<sec>_user_<key>$<endpoint> key, given the known second it was
// scanned under.
func parseVerbKey(key string, second int64) (user, endpoint string, ok bool) {
	prefix := verbKeyPrefix(second)
	rest, found := strings.CutPrefix(key, prefix)
	if !found {
		return "", "", false
	}
	user, endpoint, ok = strings.Cut(rest, "$")
	return user, endpoint, ok
}

// bandwidthKeyPrefix is the scan prefix for every user_<key>$<endpoint>
// byte-total key (§3), across every user and endpoint.
const bandwidthKeyPrefix = "user_"

// parseBandwidthKey extracts the user key and endpoint from a scanned
// user_<key>$<endpoint> key. Guards against accidentally matching a
// conn_v2_user_... key, which also starts with "user_" once its own
// "conn_v2_" prefix is stripped — callers must scan with bandwidthKeyPrefix
// directly against the store, never against conn keys, so this is a
// belt-and-suspenders check.
func parseBandwidthKey(key string) (user, endpoint string, ok bool) {
	if strings.HasPrefix(key, connKeyPrefix) {
		return "", "", false
	}
	rest, found := strings.CutPrefix(key, bandwidthKeyPrefix)
	if !found {
		return "", "", false
	}
	user, endpoint, ok = strings.Cut(rest, "$")
	return user, endpoint, ok
}

// connKeyPrefix is the scan prefix for every active-request counter key
// (§3: conn_v2_user_<dir>_<instance_id>_<key>$<endpoint>), across every
// direction, instance, user, and endpoint.
const connKeyPrefix = "conn_v2_user_"

// connDirPrefix narrows a conn-key scan to one direction.
func connDirPrefix(dir string) string {
	return connKeyPrefix + dir + "_"
}

// parseConnKey extracts the instance id, user key, and endpoint from a
// scanned conn_v2_user_<dir>_<instance_id>_<key>$<endpoint> key, given the
// known direction it was scanned under. Instance ids never contain "_"
// (InstanceID substitutes it), so the first remaining "_" separates
// instance from user key.
func parseConnKey(key, dir string) (instance, user, endpoint string, ok bool) {
	rest, found := strings.CutPrefix(key, connDirPrefix(dir))
	if !found {
		return "", "", "", false
	}
	idx := strings.Index(rest, "_")
	if idx < 0 {
		return "", "", "", false
	}
	instance = rest[:idx]
	userAndEndpoint := rest[idx+1:]
	user, endpoint, ok = strings.Cut(userAndEndpoint, "$")
	return instance, user, endpoint, ok
}

// parseCount parses a stored integer value, treating a parse failure as a
// malformed entry to be skipped rather than a fatal error (§7 "Transient /
// recoverable").
func parseCount(s string) (int64, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	return n, err == nil
}
