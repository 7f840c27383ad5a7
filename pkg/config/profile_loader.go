package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConnectorPolicy is the static, YAML-described outbound networking
// policy for one connector (webhook, http): which hosts it may ever
// reach, on top of whatever org-level manifest constraints the policy
// engine evaluates per action. It exists for operators who want a
// structured file instead of (or alongside) the flat
// GATEWAY_ALLOWED_WEBHOOK_DOMAINS env var, and it is where a
// deny-everything "island mode" for an air-gapped deployment lives.
type ConnectorPolicy struct {
	Connector  string   `yaml:"connector"`
	Mode       string   `yaml:"mode"` // "allowlist" | "denylist" | "island"
	Allowlist  []string `yaml:"allowlist,omitempty"`
	Denylist   []string `yaml:"denylist,omitempty"`
	IslandMode bool     `yaml:"island_mode,omitempty"`
}

// ConnectorPolicyFile is the on-disk shape: one policy per connector
// name, e.g. "webhook" and "http".
type ConnectorPolicyFile struct {
	Policies []ConnectorPolicy `yaml:"policies"`
}

// LoadConnectorPolicies reads a ConnectorPolicyFile from path and
// indexes it by connector name.
func LoadConnectorPolicies(path string) (map[string]*ConnectorPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read connector policy file: %w", err)
	}

	var file ConnectorPolicyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("config: parse connector policy file: %w", err)
	}

	out := make(map[string]*ConnectorPolicy, len(file.Policies))
	for i := range file.Policies {
		p := &file.Policies[i]
		name := strings.ToLower(p.Connector)
		if name == "" {
			return nil, fmt.Errorf("config: connector policy missing connector name")
		}
		out[name] = p
	}
	return out, nil
}

// IsIslandMode reports whether this policy blocks all outbound traffic
// for its connector.
func (p *ConnectorPolicy) IsIslandMode() bool {
	return p.IslandMode || p.Mode == "island"
}

// AllowedHosts resolves this policy down to the literal hostname list
// connector.NewGuard expects: empty in island mode (deny everything),
// the allowlist verbatim in allowlist mode. Denylist mode has no finite
// hostname enumeration, so callers using a denylist policy must apply
// Denylist themselves rather than feeding AllowedHosts to a Guard.
func (p *ConnectorPolicy) AllowedHosts() []string {
	if p.IsIslandMode() {
		return nil
	}
	if p.Mode == "allowlist" {
		hosts := make([]string, len(p.Allowlist))
		for i, h := range p.Allowlist {
			hosts[i] = strings.ToLower(h)
		}
		return hosts
	}
	return nil
}

// IsAllowed checks hostname against this policy directly, supporting
// all three modes including denylist, which Guard cannot express on its
// own since Guard is allowlist-only by construction.
func (p *ConnectorPolicy) IsAllowed(hostname string) bool {
	hostname = strings.ToLower(hostname)
	if p.IsIslandMode() {
		return false
	}
	switch p.Mode {
	case "allowlist":
		for _, h := range p.Allowlist {
			if strings.ToLower(h) == hostname {
				return true
			}
		}
		return false
	case "denylist":
		for _, h := range p.Denylist {
			if strings.ToLower(h) == hostname {
				return false
			}
		}
		return true
	default:
		return true
	}
}
