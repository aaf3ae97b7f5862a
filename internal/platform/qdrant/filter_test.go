package qdrant

import (
	"errors"
	"testing"
)

func TestTranslateFilterMap_InOperator(t *testing.T) {
	out, err := translateFilterMap(map[string]any{
		"groupId": map[string]any{"$in": []any{"g1", "g2"}},
	})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if len(out.Must) != 1 || len(out.MustNot) != 0 {
		t.Fatalf("unexpected translation %+v", out)
	}
	cond := out.Must[0].(map[string]any)
	if cond["key"] != "groupId" {
		t.Fatalf("unexpected key %v", cond["key"])
	}
	match := cond["match"].(map[string]any)
	values := match["any"].([]any)
	if len(values) != 2 || values[0] != "g1" || values[1] != "g2" {
		t.Fatalf("unexpected values %v", values)
	}
}

func TestTranslateFilterMap_EqNeAndScalar(t *testing.T) {
	out, err := translateFilterMap(map[string]any{
		"groupId": map[string]any{"$eq": "g1"},
		"channel": "HISTORY",
		"status":  map[string]any{"$ne": "pending"},
	})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if len(out.Must) != 2 {
		t.Fatalf("expected 2 must conditions, got %+v", out.Must)
	}
	if len(out.MustNot) != 1 {
		t.Fatalf("expected 1 must_not condition, got %+v", out.MustNot)
	}
	m := out.asMap()
	if _, ok := m["must"]; !ok {
		t.Fatalf("expected must in %v", m)
	}
	if _, ok := m["must_not"]; !ok {
		t.Fatalf("expected must_not in %v", m)
	}
}

func TestTranslateFilterMap_RejectsUnsupported(t *testing.T) {
	cases := []map[string]any{
		{"$and": []any{map[string]any{"a": 1}}},
		{"groupId": map[string]any{"$gt": 3}},
		{"groupId": map[string]any{"$in": []any{}}},
		{"groupId": map[string]any{}},
	}
	for _, filter := range cases {
		_, err := translateFilterMap(filter)
		if err == nil {
			t.Fatalf("expected rejection for %v", filter)
		}
		var oe *OperationError
		if !errors.As(err, &oe) {
			t.Fatalf("expected operation error for %v, got %v", filter, err)
		}
	}
}
