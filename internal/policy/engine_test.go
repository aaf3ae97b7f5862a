package policy

import (
	"testing"

	"github.com/recollect-ai/recollect-backend/internal/pkg/logger"
)

func TestAuthorize_DefaultOwnSubtree(t *testing.T) {
	e := NewEngine(logger.NewNop())
	caller := CallerContext{CallerID: "u1"}

	if !e.Authorize(OperationPut, []string{"user", "u1", "prefs"}, "theme", caller) {
		t.Fatalf("expected put allowed in own subtree")
	}
	if e.Authorize(OperationPut, []string{"user", "u2", "prefs"}, "theme", caller) {
		t.Fatalf("expected put denied in another user's subtree")
	}
	if e.Authorize(OperationGet, []string{"team", "acme"}, "k", caller) {
		t.Fatalf("expected get denied outside the user subtree")
	}
}

func TestAuthorize_AdminBypasses(t *testing.T) {
	e := NewEngine(logger.NewNop())
	admin := CallerContext{CallerID: "ops", IsAdmin: true}
	if !e.Authorize(OperationDelete, []string{"user", "someone-else"}, "k", admin) {
		t.Fatalf("expected admin allowed everywhere")
	}
}

func TestLoadYAML_InstallsRules(t *testing.T) {
	e := NewEngine(logger.NewNop())
	yaml := []byte(`
version: v2
authz:
  - operations: ["get", "search"]
    namespace: ["team", "*"]
    allow: true
  - operations: ["*"]
    namespace: ["restricted"]
    allow: false
`)
	if err := e.LoadYAML(yaml); err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if e.Version() != "v2" {
		t.Fatalf("expected version v2, got %q", e.Version())
	}

	caller := CallerContext{CallerID: "u1"}
	if !e.Authorize(OperationGet, []string{"team", "acme", "docs"}, "k", caller) {
		t.Fatalf("expected team read allowed by rule")
	}
	if e.Authorize(OperationPut, []string{"team", "acme"}, "k", caller) {
		t.Fatalf("expected team write to fall through and deny")
	}
	if e.Authorize(OperationGet, []string{"restricted", "area"}, "k", caller) {
		t.Fatalf("expected restricted subtree denied")
	}
	// The built-in own-subtree default still applies when no rule matches.
	if !e.Authorize(OperationPut, []string{"user", "u1"}, "k", caller) {
		t.Fatalf("expected own subtree still writable")
	}
}

func TestLoadYAML_BadRulesetKeepsCurrent(t *testing.T) {
	e := NewEngine(logger.NewNop())
	if err := e.LoadYAML([]byte(`version: good`)); err != nil {
		t.Fatalf("load: %v", err)
	}
	err := e.LoadYAML([]byte(`
version: broken
authz:
  - operations: ["launch"]
    namespace: ["x"]
`))
	if err == nil {
		t.Fatalf("expected compile error for unknown operation")
	}
	if e.Version() != "good" {
		t.Fatalf("expected previous ruleset to keep serving, got %q", e.Version())
	}
}

func TestInjectFilter_ConfinesNonAdmins(t *testing.T) {
	e := NewEngine(logger.NewNop())
	caller := CallerContext{CallerID: "u1"}

	// A prefix outside the caller's subtree is clamped to it.
	prefix, _ := e.InjectFilter([]string{"user", "u2"}, nil, caller)
	if len(prefix) != 2 || prefix[0] != "user" || prefix[1] != "u1" {
		t.Fatalf("expected clamp to own subtree, got %v", prefix)
	}

	// A prefix inside the subtree passes through unchanged.
	prefix, _ = e.InjectFilter([]string{"user", "u1", "prefs"}, nil, caller)
	if len(prefix) != 3 || prefix[2] != "prefs" {
		t.Fatalf("expected requested prefix preserved, got %v", prefix)
	}

	// Admins search wherever they ask.
	admin := CallerContext{CallerID: "ops", IsAdmin: true}
	prefix, _ = e.InjectFilter([]string{"user", "u2"}, nil, admin)
	if len(prefix) != 2 || prefix[1] != "u2" {
		t.Fatalf("expected admin prefix untouched, got %v", prefix)
	}
}

func TestInjectFilter_ExpandsCallerInAttributes(t *testing.T) {
	e := NewEngine(logger.NewNop())
	yaml := []byte(`
version: v3
filter:
  ownerSubtree: ["user", "$caller"]
  injectAttributes:
    owner: "$caller"
`)
	if err := e.LoadYAML(yaml); err != nil {
		t.Fatalf("load: %v", err)
	}
	_, attrs := e.InjectFilter(nil, map[string]string{"kind": "note"}, CallerContext{CallerID: "u9"})
	if attrs["owner"] != "u9" {
		t.Fatalf("expected injected owner filter, got %v", attrs)
	}
	if attrs["kind"] != "note" {
		t.Fatalf("expected caller filter preserved, got %v", attrs)
	}
}

func TestExtractAttributes_DefaultAndRules(t *testing.T) {
	e := NewEngine(logger.NewNop())
	out := e.ExtractAttributes([]string{"user", "u1", "prefs"}, "theme", nil, nil)
	if out["namespace"] != "user" || out["sub"] != "u1" {
		t.Fatalf("unexpected default attributes %v", out)
	}

	yaml := []byte(`
version: v4
attributes:
  - name: owner
    fromSegment: 1
  - name: key
    fromKey: true
  - name: source
    const: episodic
`)
	if err := e.LoadYAML(yaml); err != nil {
		t.Fatalf("load: %v", err)
	}
	out = e.ExtractAttributes([]string{"user", "u1"}, "theme", nil, nil)
	if out["owner"] != "u1" || out["key"] != "theme" || out["source"] != "episodic" {
		t.Fatalf("unexpected attributes %v", out)
	}
}
