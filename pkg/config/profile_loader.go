package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// TenantProfile is a per-tenant YAML configuration profile: which ledger
// chain the tenant records to, how long denial traces are retained, and the
// CEL policy rules loaded for the tenant.
type TenantProfile struct {
	TenantID  string          `yaml:"tenant_id" json:"tenant_id"`
	ChainID   string          `yaml:"chain_id,omitempty" json:"chain_id,omitempty"`
	Retention RetentionConfig `yaml:"retention" json:"retention"`
	Policy    []PolicyRuleDef `yaml:"policy,omitempty" json:"policy,omitempty"`
}

// RetentionConfig defines trace retention policy for a tenant.
type RetentionConfig struct {
	DenialTraceDays int `yaml:"denial_trace_days" json:"denial_trace_days"`
	AuditLogDays    int `yaml:"audit_log_days" json:"audit_log_days"`
}

// PolicyRuleDef mirrors authority.PolicyRule for YAML loading. Kept here so
// the config package does not import the authority package.
type PolicyRuleDef struct {
	ID     string `yaml:"id" json:"id"`
	Expr   string `yaml:"expr" json:"expr"`
	Effect string `yaml:"effect" json:"effect"`
	Reason string `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// LoadProfile loads a tenant profile YAML by tenant id. It searches the
// profiles directory for profile_<tenant>.yaml.
func LoadProfile(profilesDir, tenantID string) (*TenantProfile, error) {
	name := strings.ToLower(tenantID)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", tenantID, err)
	}

	var profile TenantProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", tenantID, err)
	}

	for _, rule := range profile.Policy {
		if rule.Effect != "ALLOW" && rule.Effect != "DENY" {
			return nil, fmt.Errorf("parse profile %q: rule %q has effect %q, want ALLOW or DENY",
				tenantID, rule.ID, rule.Effect)
		}
	}

	if profile.TenantID == "" {
		profile.TenantID = tenantID
	}
	if profile.ChainID == "" {
		profile.ChainID = "tenant:" + profile.TenantID
	}

	return &profile, nil
}
