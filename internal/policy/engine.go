package policy

import (
	"fmt"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/recollect-ai/recollect-backend/internal/pkg/logger"
)

type Operation string

const (
	OperationGet    Operation = "get"
	OperationPut    Operation = "put"
	OperationDelete Operation = "delete"
	OperationSearch Operation = "search"
)

// CallerContext is the identity the policies evaluate against.
type CallerContext struct {
	CallerID string
	IsAdmin  bool
}

// callerPlaceholder in a rule's namespace pattern matches (and binds to)
// the caller id segment.
const callerPlaceholder = "$caller"

// wildcardSegment matches any single segment.
const wildcardSegment = "*"

// Ruleset is the YAML shape a policy file compiles from.
type Ruleset struct {
	Version    string          `yaml:"version"`
	Authz      []AuthzRule     `yaml:"authz"`
	Attributes []AttributeRule `yaml:"attributes"`
	Filter     *FilterRule     `yaml:"filter"`
}

// AuthzRule allows or denies operations on a namespace subtree. Rules are
// evaluated in order; the first match wins. No match falls through to the
// built-in default (caller owns ["user", callerId, ...]).
type AuthzRule struct {
	Operations []string `yaml:"operations"`
	Namespace  []string `yaml:"namespace"`
	AdminOnly  bool     `yaml:"adminOnly"`
	Allow      bool     `yaml:"allow"`
}

// AttributeRule derives one plaintext attribute from the row being written.
type AttributeRule struct {
	Name        string `yaml:"name"`
	FromSegment *int   `yaml:"fromSegment"`
	FromKey     bool   `yaml:"fromKey"`
	Const       string `yaml:"const"`
}

// FilterRule controls how search prefixes are constrained for non-admins.
type FilterRule struct {
	// ConfineNonAdmins clamps the effective prefix to the caller's own
	// subtree. Defaults to true when the rule is absent.
	ConfineNonAdmins *bool `yaml:"confineNonAdmins"`
	// OwnerSubtree is the pattern of the subtree a caller owns.
	OwnerSubtree []string `yaml:"ownerSubtree"`
	// InjectAttributes adds attribute equality filters for non-admins,
	// with $caller expanded.
	InjectAttributes map[string]string `yaml:"injectAttributes"`
}

type compiled struct {
	version    string
	authz      []AuthzRule
	attributes []AttributeRule
	filter     FilterRule
}

// Engine evaluates the three memory policies. The compiled ruleset is
// swapped atomically; a failed compile keeps the previous version serving.
type Engine struct {
	log     *logger.Logger
	current atomic.Pointer[compiled]
}

func NewEngine(log *logger.Logger) *Engine {
	e := &Engine{log: log.With("service", "PolicyEngine")}
	e.current.Store(defaultCompiled())
	return e
}

func defaultCompiled() *compiled {
	confine := true
	return &compiled{
		version: "builtin",
		filter: FilterRule{
			ConfineNonAdmins: &confine,
			OwnerSubtree:     []string{"user", callerPlaceholder},
		},
	}
}

// LoadYAML compiles and installs a ruleset. On any error the live ruleset
// is left untouched.
func (e *Engine) LoadYAML(data []byte) error {
	var rs Ruleset
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return fmt.Errorf("parse policy yaml: %w", err)
	}
	c, err := compile(rs)
	if err != nil {
		return err
	}
	e.current.Store(c)
	e.log.Info("Policy ruleset installed", "version", c.version, "authz_rules", len(c.authz), "attribute_rules", len(c.attributes))
	return nil
}

func compile(rs Ruleset) (*compiled, error) {
	for i, r := range rs.Authz {
		if len(r.Operations) == 0 {
			return nil, fmt.Errorf("authz rule %d: operations required", i)
		}
		for _, op := range r.Operations {
			switch Operation(strings.ToLower(strings.TrimSpace(op))) {
			case OperationGet, OperationPut, OperationDelete, OperationSearch, "*":
			default:
				return nil, fmt.Errorf("authz rule %d: unknown operation %q", i, op)
			}
		}
		if len(r.Namespace) == 0 {
			return nil, fmt.Errorf("authz rule %d: namespace pattern required", i)
		}
	}
	for i, r := range rs.Attributes {
		if strings.TrimSpace(r.Name) == "" {
			return nil, fmt.Errorf("attribute rule %d: name required", i)
		}
		sources := 0
		if r.FromSegment != nil {
			if *r.FromSegment < 0 {
				return nil, fmt.Errorf("attribute rule %d: fromSegment must be >= 0", i)
			}
			sources++
		}
		if r.FromKey {
			sources++
		}
		if r.Const != "" {
			sources++
		}
		if sources != 1 {
			return nil, fmt.Errorf("attribute rule %d: exactly one of fromSegment, fromKey, const required", i)
		}
	}

	c := &compiled{
		version:    rs.Version,
		authz:      rs.Authz,
		attributes: rs.Attributes,
	}
	if c.version == "" {
		c.version = "unversioned"
	}
	if rs.Filter != nil {
		c.filter = *rs.Filter
	}
	if c.filter.ConfineNonAdmins == nil {
		confine := true
		c.filter.ConfineNonAdmins = &confine
	}
	if len(c.filter.OwnerSubtree) == 0 {
		c.filter.OwnerSubtree = []string{"user", callerPlaceholder}
	}
	return c, nil
}

func (e *Engine) Version() string {
	return e.current.Load().version
}

// Authorize decides whether the caller may perform the operation on
// (namespace, key). Admins always pass.
func (e *Engine) Authorize(op Operation, namespace []string, key string, caller CallerContext) bool {
	if caller.IsAdmin {
		return true
	}
	c := e.current.Load()
	for _, rule := range c.authz {
		if !operationMatches(rule.Operations, op) {
			continue
		}
		if rule.AdminOnly && !caller.IsAdmin {
			continue
		}
		if !patternMatchesPrefix(rule.Namespace, namespace, caller.CallerID) {
			continue
		}
		return rule.Allow
	}
	// Built-in default: callers own the ["user", callerId, ...] subtree.
	return patternMatchesPrefix([]string{"user", callerPlaceholder}, namespace, caller.CallerID)
}

func operationMatches(ops []string, op Operation) bool {
	for _, o := range ops {
		t := strings.ToLower(strings.TrimSpace(o))
		if t == "*" || Operation(t) == op {
			return true
		}
	}
	return false
}

// patternMatchesPrefix reports whether the namespace starts with the
// pattern, expanding $caller and allowing * per segment.
func patternMatchesPrefix(pattern, namespace []string, callerID string) bool {
	if len(namespace) < len(pattern) {
		return false
	}
	for i, seg := range pattern {
		switch seg {
		case wildcardSegment:
		case callerPlaceholder:
			if namespace[i] != callerID {
				return false
			}
		default:
			if namespace[i] != seg {
				return false
			}
		}
	}
	return true
}

// ExtractAttributes produces the plaintext attributes stored beside the
// encrypted value. The default pulls the first two namespace segments.
func (e *Engine) ExtractAttributes(namespace []string, key string, value map[string]any, attrs map[string]any) map[string]string {
	c := e.current.Load()
	out := map[string]string{}
	if len(c.attributes) == 0 {
		if len(namespace) > 0 {
			out["namespace"] = namespace[0]
		}
		if len(namespace) > 1 {
			out["sub"] = namespace[1]
		}
		return out
	}
	for _, rule := range c.attributes {
		switch {
		case rule.FromSegment != nil:
			if *rule.FromSegment < len(namespace) {
				out[rule.Name] = namespace[*rule.FromSegment]
			}
		case rule.FromKey:
			out[rule.Name] = key
		case rule.Const != "":
			out[rule.Name] = rule.Const
		}
	}
	return out
}

// InjectFilter clamps a search to what the caller may see. Returns the
// effective namespace prefix and extra attribute equality filters.
func (e *Engine) InjectFilter(namespacePrefix []string, filter map[string]string, caller CallerContext) ([]string, map[string]string) {
	c := e.current.Load()

	merged := map[string]string{}
	for k, v := range filter {
		merged[k] = v
	}

	if caller.IsAdmin || !*c.filter.ConfineNonAdmins {
		return namespacePrefix, merged
	}

	owner := make([]string, len(c.filter.OwnerSubtree))
	for i, seg := range c.filter.OwnerSubtree {
		if seg == callerPlaceholder {
			owner[i] = caller.CallerID
		} else {
			owner[i] = seg
		}
	}

	effective := owner
	if len(namespacePrefix) >= len(owner) && patternMatchesPrefix(c.filter.OwnerSubtree, namespacePrefix, caller.CallerID) {
		// Requested prefix already sits inside the caller's subtree.
		effective = namespacePrefix
	}

	for k, v := range c.filter.InjectAttributes {
		merged[k] = strings.ReplaceAll(v, callerPlaceholder, caller.CallerID)
	}
	return effective, merged
}
