package config

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/quartzdb/quartzdb/internal/catalog"
	"github.com/quartzdb/quartzdb/internal/security"
)

// policyFile is the on-disk declarative shape of an RLS policy file,
// parsed the way labelmutex.ParseMutexGroups reads config.yaml's
// validation.labels.mutex: a flat list of named rules under one
// top-level key, translated into domain objects field by field instead
// of unmarshaled directly onto the domain type.
type policyFile struct {
	Policies []policyRule `toml:"policy"`
}

type policyRule struct {
	Name             string   `toml:"name"`
	Entity           string   `toml:"entity"`
	Type             string   `toml:"type"` // "permissive" (default) or "restrictive"
	Operations       []string `toml:"operations"`
	BypassCapability string   `toml:"bypass_capability"`

	// Exactly one condition field should be set; AttributeEq/AttributeIn
	// build a single-field expression, AllOf/AnyOf combine nested rules.
	AttributeEqField  string       `toml:"attribute_eq_field"`
	AttributeEqAttr   string       `toml:"attribute_eq_attr"`
	AttributeInField  string       `toml:"attribute_in_field"`
	AttributeInAttr   string       `toml:"attribute_in_attr"`
	AllOf             []policyRule `toml:"all_of"`
	AnyOf             []policyRule `toml:"any_of"`
	AlwaysAllow       bool         `toml:"always_allow"`
}

// LoadRLSPolicies reads and parses an RLS policy file. A missing path
// (empty string) is not an error and yields an empty policy set.
func LoadRLSPolicies(path string) ([]security.RlsPolicy, error) {
	if path == "" {
		return nil, nil
	}
	var pf policyFile
	if _, err := toml.DecodeFile(path, &pf); err != nil {
		return nil, fmt.Errorf("config: decode RLS policy file %s: %w", path, err)
	}
	policies := make([]security.RlsPolicy, 0, len(pf.Policies))
	for i, rule := range pf.Policies {
		p, err := rule.toPolicy()
		if err != nil {
			return nil, fmt.Errorf("config: policy[%d] (%s): %w", i, rule.Name, err)
		}
		policies = append(policies, p)
	}
	return policies, nil
}

func (r policyRule) toPolicy() (security.RlsPolicy, error) {
	if r.Entity == "" {
		return security.RlsPolicy{}, fmt.Errorf("missing entity")
	}
	filter, err := r.toFilter()
	if err != nil {
		return security.RlsPolicy{}, err
	}
	ops, err := parseOperations(r.Operations)
	if err != nil {
		return security.RlsPolicy{}, err
	}
	policyType, err := parsePolicyType(r.Type)
	if err != nil {
		return security.RlsPolicy{}, err
	}
	return security.RlsPolicy{
		Name:             r.Name,
		Entity:           r.Entity,
		Type:             policyType,
		Operations:       ops,
		Filter:           filter,
		BypassCapability: r.BypassCapability,
	}, nil
}

func (r policyRule) toFilter() (security.RlsFilterExpr, error) {
	switch {
	case r.AlwaysAllow:
		return security.AlwaysTrue(), nil
	case r.AttributeEqField != "":
		return security.AttributeEq(r.AttributeEqField, r.AttributeEqAttr), nil
	case r.AttributeInField != "":
		return security.AttributeIn(r.AttributeInField, r.AttributeInAttr), nil
	case len(r.AllOf) > 0:
		children, err := toFilters(r.AllOf)
		if err != nil {
			return security.RlsFilterExpr{}, err
		}
		return security.AndExprs(children...), nil
	case len(r.AnyOf) > 0:
		children, err := toFilters(r.AnyOf)
		if err != nil {
			return security.RlsFilterExpr{}, err
		}
		return security.OrExprs(children...), nil
	default:
		return security.RlsFilterExpr{}, fmt.Errorf("no condition set (attribute_eq_field, attribute_in_field, all_of, any_of, or always_allow)")
	}
}

func toFilters(rules []policyRule) ([]security.RlsFilterExpr, error) {
	out := make([]security.RlsFilterExpr, 0, len(rules))
	for _, r := range rules {
		f, err := r.toFilter()
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func parseOperations(ops []string) ([]security.RlsOperation, error) {
	if len(ops) == 0 {
		return []security.RlsOperation{security.OpAll}, nil
	}
	out := make([]security.RlsOperation, 0, len(ops))
	for _, s := range ops {
		switch s {
		case "select":
			out = append(out, security.OpSelect)
		case "insert":
			out = append(out, security.OpInsert)
		case "update":
			out = append(out, security.OpUpdate)
		case "delete":
			out = append(out, security.OpDelete)
		case "all", "":
			out = append(out, security.OpAll)
		default:
			return nil, fmt.Errorf("unknown operation %q", s)
		}
	}
	return out, nil
}

func parsePolicyType(s string) (security.PolicyType, error) {
	switch s {
	case "", "permissive":
		return security.Permissive, nil
	case "restrictive":
		return security.Restrictive, nil
	default:
		return 0, fmt.Errorf("unknown policy type %q", s)
	}
}

// capabilityFile declares named capability bundles ("roles") that
// principals are assigned to by internal/security at connection setup.
type capabilityFile struct {
	Roles map[string]roleRule `toml:"role"`
}

type roleRule struct {
	Admin             bool     `toml:"admin"`
	ReadEntities      []string `toml:"read_entities"` // "*" means all entities
	WriteEntities     []string `toml:"write_entities"`
	SensitiveLevel    string   `toml:"sensitive_level"` // "internal", "sensitive", "restricted"
	CustomCapabilities []string `toml:"custom_capabilities"`
}

// LoadCapabilityRoles reads a capability file into named capability
// sets, keyed by role name. A missing path yields an empty map.
func LoadCapabilityRoles(path string) (map[string]security.CapabilitySet, error) {
	if path == "" {
		return nil, nil
	}
	var cf capabilityFile
	if _, err := toml.DecodeFile(path, &cf); err != nil {
		return nil, fmt.Errorf("config: decode capability file %s: %w", path, err)
	}
	roles := make(map[string]security.CapabilitySet, len(cf.Roles))
	for name, rule := range cf.Roles {
		set, err := rule.toCapabilitySet()
		if err != nil {
			return nil, fmt.Errorf("config: role %q: %w", name, err)
		}
		roles[name] = set
	}
	return roles, nil
}

func (r roleRule) toCapabilitySet() (security.CapabilitySet, error) {
	set := security.NewCapabilitySet()
	if r.Admin {
		set.Add(security.AdminCapability())
	}
	for _, e := range r.ReadEntities {
		set.Add(security.ReadCapability(entityScope(e)))
	}
	for _, e := range r.WriteEntities {
		set.Add(security.WriteCapability(entityScope(e)))
	}
	if r.SensitiveLevel != "" {
		level, err := parseSensitivity(r.SensitiveLevel)
		if err != nil {
			return set, err
		}
		set.Add(security.SensitiveFieldAccess(level))
	}
	for _, name := range r.CustomCapabilities {
		set.Add(security.CustomCapability(name))
	}
	return set, nil
}

func entityScope(entity string) security.EntityScope {
	if entity == "*" {
		return security.AllEntities()
	}
	return security.OneEntity(entity)
}

func parseSensitivity(s string) (catalog.Sensitivity, error) {
	switch s {
	case "internal":
		return catalog.SensitivityInternal, nil
	case "sensitive":
		return catalog.SensitivitySensitive, nil
	case "restricted":
		return catalog.SensitivityRestricted, nil
	default:
		return 0, fmt.Errorf("unknown sensitivity level %q", s)
	}
}

