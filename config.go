package vmoor

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"
)

// SupportedArches is the closed set of QEMU system targets this daemon
// knows how to boot.
var SupportedArches = map[string]bool{
	"x86_64":  true,
	"aarch64": true,
	"mipsel":  true,
}

var hostnamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]{2,}$`)

// legacyConfig is the one and only historical literal config this daemon
// recognizes and upgrades. Any other unversioned config is rejected as
// UnsupportedLegacyConfigError; this is deliberate, not an oversight (see
// the open-question decision recorded in DESIGN.md).
var legacyConfig = Config{
	Arch:     "x86_64",
	Username: "root",
	Arguments: map[string]any{
		"m":     "500M",
		"drive": "file=hdd.qcow2,format=qcow2",
	},
}

// Config is the runtime-sufficient subset of a container's description:
// everything the daemon needs to boot and drive it, independent of the
// external builder's manifest extras.
type Config struct {
	Manifest   *int           `json:"manifest,omitempty"`
	Arch       string         `json:"arch"`
	SMP        int            `json:"smp,omitempty"`
	Hostname   string         `json:"hostname,omitempty"`
	Username   string         `json:"username,omitempty"`
	Memory     int            `json:"memory"`
	HDDMaxSize int            `json:"hddmaxsize"`
	PortFwd    [][2]int       `json:"portfwd,omitempty"`
	Password   string         `json:"password"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Legacy     bool           `json:"legacy,omitempty"`
}

// InvalidConfigError accumulates every validation failure found while
// constructing a Config, rather than failing fast on the first one.
type InvalidConfigError struct {
	Problems []string
}

func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("invalid config: %v", e.Problems)
}

// UnsupportedLegacyConfigError is returned when a config has no "manifest"
// field and does not exactly match the one recognized legacy literal.
type UnsupportedLegacyConfigError struct{}

func (e *UnsupportedLegacyConfigError) Error() string {
	return "unsupported legacy config"
}

// ParseConfig decodes and validates a config.json payload, accumulating
// every validation error before returning a single InvalidConfigError.
// A missing "manifest" field triggers legacy detection instead of normal
// validation.
func ParseConfig(data []byte) (*Config, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if _, hasManifest := raw["manifest"]; !hasManifest {
		return upgradeLegacy(raw)
	}

	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if c.Username == "" {
		c.Username = "root"
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// upgradeLegacy checks raw against the one recognized legacy literal and,
// on an exact match, returns the fixed legacy shape. Any variation -
// extra fields, different values, missing fields - is rejected outright.
func upgradeLegacy(raw map[string]any) (*Config, error) {
	wantBytes, err := json.Marshal(legacyConfig.Arguments)
	if err != nil {
		return nil, err
	}
	args, _ := raw["arguments"].(map[string]any)
	gotArgsBytes, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	arch, _ := raw["arch"].(string)

	if arch != legacyConfig.Arch || string(gotArgsBytes) != string(wantBytes) || len(raw) != 2 {
		return nil, &UnsupportedLegacyConfigError{}
	}

	upgraded := legacyConfig
	upgraded.Legacy = true
	return &upgraded, nil
}

// validate accumulates every rule violation in a Config and returns them
// all at once as a single InvalidConfigError.
func (c *Config) validate() error {
	var problems []string

	if !SupportedArches[c.Arch] {
		problems = append(problems, fmt.Sprintf("unsupported arch %q", c.Arch))
	}
	if c.Hostname != "" && !hostnamePattern.MatchString(c.Hostname) {
		problems = append(problems, fmt.Sprintf("invalid hostname %q", c.Hostname))
	}
	if c.Memory <= 0 {
		problems = append(problems, "memory must be a positive integer")
	}
	if c.HDDMaxSize <= 0 {
		problems = append(problems, "hddmaxsize must be a positive integer")
	}
	if c.Password == "" {
		problems = append(problems, "password is required")
	}
	problems = append(problems, validatePortFwd(c.PortFwd)...)

	if len(problems) > 0 {
		return &InvalidConfigError{Problems: problems}
	}
	return nil
}

// validatePortFwd enforces that every (guest, host) pair lies in
// [1,65535], excludes 22 (reserved for the implicit SSH forward), and
// that guest ports and host ports are each unique within the list.
func validatePortFwd(pairs [][2]int) []string {
	var problems []string
	vtaken := map[int]bool{22: true}
	htaken := map[int]bool{22: true}
	for _, pair := range pairs {
		vport, hport := pair[0], pair[1]
		for _, p := range []int{vport, hport} {
			if p < 1 || p > 65535 {
				problems = append(problems, fmt.Sprintf("port %d out of range [1,65535]", p))
			}
		}
		if vport == 22 || hport == 22 {
			problems = append(problems, "port 22 is reserved for the implicit ssh forward")
		}
		if vtaken[vport] {
			problems = append(problems, fmt.Sprintf("duplicate guest port %d", vport))
		}
		if htaken[hport] {
			problems = append(problems, fmt.Sprintf("duplicate host port %d", hport))
		}
		vtaken[vport] = true
		htaken[hport] = true
	}
	return problems
}

// ToDict round-trips a Config back to the same JSON-shaped map it would
// be parsed from, so that parse(ToDict(parse(x))) == parse(x) for every
// valid config.
func (c *Config) ToDict() (map[string]any, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// randomPassword generates a printable random password for manifests that
// omit one, mirroring the builder's auto-generation behavior without
// reproducing its specific alphabet or length.
func randomPassword(n int) (string, error) {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		if err != nil {
			return "", err
		}
		out[i] = alphabet[idx.Int64()]
	}
	return string(out), nil
}
