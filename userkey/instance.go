package userkey

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// compoundDelim is the separator used throughout the KV key conventions of
// §3 to join compound-key components. It must never appear inside an
// instance id, hence the substitution in InstanceID.
const compoundDelim = "_"

// InstanceID builds the `<hostname>-<listening-port>` identifier for one
// edge process (§3 "Instance id"), substituting any occurrence of the
// compound-key delimiter in the hostname so instance ids never collide with
// the field boundaries of a compound KV key.
func InstanceID(hostname string, port int) string {
	safeHost := strings.ReplaceAll(hostname, compoundDelim, "-")
	return fmt.Sprintf("%s-%d", safeHost, port)
}

// LocalInstanceID builds an instance id from os.Hostname() and the given
// listening port, falling back to "unknown-host" if the hostname cannot be
// determined.
func LocalInstanceID(port int) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown-host"
	}
	return InstanceID(host, port)
}

// SplitInstanceID is the inverse of InstanceID: it separates the trailing
// "-<port>" suffix from the host portion. Used by the Policy Generator when
// it needs to report per-instance demand by host for diagnostics.
func SplitInstanceID(id string) (host string, port int, ok bool) {
	idx := strings.LastIndex(id, "-")
	if idx < 0 || idx == len(id)-1 {
		return "", 0, false
	}
	p, err := strconv.Atoi(id[idx+1:])
	if err != nil {
		return "", 0, false
	}
	return id[:idx], p, true
}
