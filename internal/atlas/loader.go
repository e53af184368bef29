package atlas

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadManifestFile reads and parses an Atlas/1.0 manifest from a JSON
// file on disk, validating it before returning.
func LoadManifestFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read atlas manifest %q: %w", path, err)
	}
	return LoadManifest(data)
}

// LoadManifest parses an Atlas/1.0 manifest from JSON bytes, validating
// it before returning.
func LoadManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse atlas manifest: %w", err)
	}
	if errs := m.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid atlas manifest %q: %s", m.AtlasID, strings.Join(errs, "; "))
	}
	return &m, nil
}

// PolicyOverlay is a standalone YAML document of policies layered onto
// an already-loaded atlas, for operators who want to tune rate limits
// or add deny rules without editing the manifest itself.
type PolicyOverlay struct {
	Version  string   `yaml:"version"`
	Policies []Policy `yaml:"policies"`
}

// LoadPolicyOverlayFile reads a YAML policy overlay file, expanding
// environment variables exactly as the teacher's policy loader does.
func LoadPolicyOverlayFile(path string) (*PolicyOverlay, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy overlay %q: %w", path, err)
	}
	return LoadPolicyOverlay(data)
}

// LoadPolicyOverlay parses a YAML policy overlay, expanding environment
// variables in the raw document before unmarshaling so values like
// `${MAX_CALLS}` resolve from the process environment.
func LoadPolicyOverlay(data []byte) (*PolicyOverlay, error) {
	expanded := os.ExpandEnv(string(data))

	var overlay PolicyOverlay
	if err := yaml.Unmarshal([]byte(expanded), &overlay); err != nil {
		return nil, fmt.Errorf("parse policy overlay YAML: %w", err)
	}
	if overlay.Version == "" {
		overlay.Version = "1"
	}

	seen := make(map[string]bool, len(overlay.Policies))
	for i, p := range overlay.Policies {
		if p.PolicyID == "" {
			return nil, fmt.Errorf("policy overlay entry %d: policy_id is required", i)
		}
		if seen[p.PolicyID] {
			return nil, fmt.Errorf("policy overlay entry %d: duplicate policy_id %q", i, p.PolicyID)
		}
		seen[p.PolicyID] = true

		if len(p.Actions) == 0 {
			return nil, fmt.Errorf("policy %q: at least one action pattern is required", p.PolicyID)
		}
		switch p.PolicyType {
		case PolicyAllow, PolicyDeny, PolicyRateLimit, PolicyRequiresApproval:
		default:
			return nil, fmt.Errorf("policy %q: invalid type %q", p.PolicyID, p.PolicyType)
		}
		if p.PolicyType == PolicyRateLimit {
			if _, err := p.RateLimitParameters(); err != nil {
				return nil, err
			}
		}
	}

	return &overlay, nil
}
