package vmoor

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// SupportedManifestVersions is the closed set of manifest schema versions
// this daemon understands. An unknown version is a hard error, never a
// silent best-effort parse.
var SupportedManifestVersions = map[int]bool{1: true}

// SupportedReleases is the closed set of guest OS releases the external
// builder may request; the daemon never builds anything itself but still
// validates the field since it round-trips config.json.
var SupportedReleases = map[string]bool{
	"bullseye": true,
	"bookworm": true,
	"trixie":   true,
}

// Manifest extends Config with the fields only the external builder
// consumes: packages to install, script run order, and target release.
// The daemon validates these fields (so config.json round-trips cleanly)
// but never acts on them itself - building is out of the daemon's core.
type Manifest struct {
	Config
	AptPkgs     []string `json:"aptpkgs,omitempty"`
	ScriptOrder []string `json:"scriptorder,omitempty"`
	Release     string   `json:"release,omitempty"`
}

// ParseManifest decodes and validates a manifest, which may be authored as
// either JSON or YAML on disk by the external builder. It always
// normalizes to the Manifest shape and, once validated, the daemon only
// ever re-serializes it as JSON (config.json's wire-visible shape).
func ParseManifest(data []byte) (*Manifest, error) {
	raw, err := decodeJSONOrYAML(data)
	if err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}

	versionRaw, hasVersion := raw["manifest"]
	if !hasVersion {
		cfg, err := upgradeLegacy(raw)
		if err != nil {
			return nil, err
		}
		return &Manifest{Config: *cfg}, nil
	}

	version, ok := toInt(versionRaw)
	if !ok || !SupportedManifestVersions[version] {
		return nil, fmt.Errorf("unknown manifest version %v", versionRaw)
	}

	// aptpkgs may be a string or a list, so it is taken out before the
	// typed decode and normalized separately.
	aptRaw, hasAptPkgs := raw["aptpkgs"]
	delete(raw, "aptpkgs")

	reencoded, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(reencoded, &m); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	if hasAptPkgs {
		pkgs, err := normalizeAptPkgs(aptRaw)
		if err != nil {
			return nil, err
		}
		m.AptPkgs = pkgs
	}

	if m.Username == "" {
		m.Username = "root"
	}

	if err := m.validate(); err != nil {
		return nil, err
	}

	if m.Password == "" {
		pw, err := randomPassword(30)
		if err != nil {
			return nil, fmt.Errorf("generating manifest password: %w", err)
		}
		m.Password = pw
	}

	return &m, nil
}

// validate extends Config.validate with the manifest-only extras.
func (m *Manifest) validate() error {
	var problems []string
	if err := m.Config.validate(); err != nil {
		if ice, ok := err.(*InvalidConfigError); ok {
			// Password is allowed to be absent on a manifest; it gets
			// auto-generated below. Drop that one complaint if present.
			for _, p := range ice.Problems {
				if p != "password is required" {
					problems = append(problems, p)
				}
			}
		}
	}
	if m.Release != "" && !SupportedReleases[m.Release] {
		problems = append(problems, fmt.Sprintf("unsupported release %q", m.Release))
	}
	if len(problems) > 0 {
		return &InvalidConfigError{Problems: problems}
	}
	return nil
}

// normalizeAptPkgs accepts either a single space-separated string or a
// list of package name strings, always returning a list.
func normalizeAptPkgs(raw any) ([]string, error) {
	switch v := raw.(type) {
	case string:
		return strings.Fields(v), nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("aptpkgs entries must be strings, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("aptpkgs must be a string or list of strings, got %T", raw)
	}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}

// decodeJSONOrYAML tries JSON first (config.json's native shape) and
// falls back to YAML, since manifests authored by the external builder
// may be YAML on disk before the daemon normalizes them.
func decodeJSONOrYAML(data []byte) (map[string]any, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err == nil {
		return raw, nil
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return normalizeYAMLMap(raw), nil
}

// normalizeYAMLMap converts the map[any]any/map[string]any mix gopkg.in/
// yaml.v3 can produce for nested structures into a plain
// map[string]any tree so the rest of the code can treat both decoders
// uniformly.
func normalizeYAMLMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = normalizeYAMLValue(v)
	}
	return out
}

func normalizeYAMLValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return normalizeYAMLMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeYAMLValue(item)
		}
		return out
	default:
		return val
	}
}
