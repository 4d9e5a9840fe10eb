package userkey

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Tier is a named bundle of limits (§3 "Limit tier"): a per-verb request
// rate, bidirectional bandwidth caps, and a concurrent-request cap.
type Tier struct {
	// Verbs maps an HTTP method (or an OpClass string) to its
	// requests-per-second limit. Absent entries mean "unlimited" for that
	// verb/op-class within this tier.
	Verbs map[string]int64

	// BytesUpPerSec and BytesDownPerSec are the tier's bidirectional
	// bandwidth caps.
	BytesUpPerSec   int64
	BytesDownPerSec int64

	// MaxConcurrent is the tier's concurrent in-flight request cap, summed
	// across every edge instance.
	MaxConcurrent int64
}

// RequestsPerVerb returns the configured limit for verb (an HTTP method or
// an OpClass string), and whether one is configured at all.
func (t Tier) RequestsPerVerb(verb string) (int64, bool) {
	n, ok := t.Verbs[verb]
	return n, ok
}

// UnmarshalJSON decodes the flattened "user_<FIELD>" shape of §6's
// configuration file into a Tier: "user_bnd_up" / "user_bnd_dwn" /
// "user_conns" are special fields, everything else ("user_GET",
// "user_PUT", "user_LISTBUCKETS", …) is a per-verb/op-class rate limit.
func (t *Tier) UnmarshalJSON(data []byte) error {
	var raw map[string]int64
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("userkey: decoding tier: %w", err)
	}
	t.Verbs = make(map[string]int64)
	for k, v := range raw {
		rest, ok := strings.CutPrefix(k, "user_")
		if !ok {
			continue
		}
		switch rest {
		case "bnd_up":
			t.BytesUpPerSec = v
		case "bnd_dwn":
			t.BytesDownPerSec = v
		case "conns":
			t.MaxConcurrent = v
		default:
			t.Verbs[rest] = v
		}
	}
	return nil
}

// MarshalJSON re-flattens a Tier back into the "user_<FIELD>" shape, the
// inverse of UnmarshalJSON. Used by weirqosctl when displaying or
// round-tripping configuration.
func (t Tier) MarshalJSON() ([]byte, error) {
	raw := make(map[string]int64, len(t.Verbs)+3)
	for k, v := range t.Verbs {
		raw["user_"+k] = v
	}
	raw["user_bnd_up"] = t.BytesUpPerSec
	raw["user_bnd_dwn"] = t.BytesDownPerSec
	raw["user_conns"] = t.MaxConcurrent
	return json.Marshal(raw)
}

// Config is the user→tier→limits table of §6: who maps to which tier, and
// what each tier allows. It is read-only once loaded; a reload replaces the
// whole value so readers never observe a partially-updated Config.
type Config struct {
	UserToTier map[string]string `json:"user_to_qos_id"`
	Tiers      map[string]Tier   `json:"qos"`
}

// TierFor resolves the tier for a user key, falling back to DefaultTier
// when the user has no explicit mapping (§3 "User→tier mapping").
func (c *Config) TierFor(user string) (Tier, bool) {
	name, ok := c.UserToTier[user]
	if !ok {
		name = DefaultTier
	}
	tier, ok := c.Tiers[name]
	return tier, ok
}

// LoadConfig reads and decodes the limits JSON file at path (§4.3 Inputs:
// `~/weir_<zone>_cache_limits.json`).
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("userkey: reading config %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("userkey: parsing config %s: %w", path, err)
	}
	return &cfg, nil
}

// ConfigPath builds the well-known config file path for a zone, per §4.3:
// `~/weir_<zone>_cache_limits.json`.
func ConfigPath(home, zone string) string {
	return fmt.Sprintf("%s/weir_%s_cache_limits.json", strings.TrimRight(home, "/"), zone)
}

// ReloadFIFOPath builds the well-known reload-trigger FIFO path for a zone,
// per §4.3: `/tmp/weir_<zone>_polygen_reload.fifo`.
func ReloadFIFOPath(zone string) string {
	return fmt.Sprintf("/tmp/weir_%s_polygen_reload.fifo", zone)
}

// ReloadCommand is the literal text written to the reload FIFO to trigger a
// configuration re-read.
const ReloadCommand = "reload_limits"
