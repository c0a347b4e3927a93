package storage

import (
	"strings"
	"testing"
)

func TestTextArrayNeverEncodesNull(t *testing.T) {
	v, err := textArray(nil).Value()
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	s, ok := v.(string)
	if !ok {
		t.Fatalf("expected string literal, got %T (%v)", v, v)
	}
	if s != "{}" {
		t.Fatalf("expected empty array literal, got %q", s)
	}

	v, err = textArray([]string{"v1", "v2"}).Value()
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	if s, _ := v.(string); s != `{"v1","v2"}` {
		t.Fatalf("unexpected literal %q", s)
	}
}

func TestCandidatesQueryOmitsEmptyExclusion(t *testing.T) {
	q, args := candidatesQuery("taxi", "", nil)
	if strings.Contains(q, "ANY($2)") {
		t.Fatalf("exclusion clause present for empty decline list: %s", q)
	}
	if len(args) != 1 {
		t.Fatalf("expected 1 arg, got %d", len(args))
	}

	q, args = candidatesQuery("taxi", "downtown", []string{"v1"})
	if !strings.Contains(q, "NOT (vehicle_id = ANY($2))") {
		t.Fatalf("missing exclusion clause: %s", q)
	}
	if !strings.Contains(q, "district_id=$3") {
		t.Fatalf("missing district clause: %s", q)
	}
	if len(args) != 3 {
		t.Fatalf("expected 3 args, got %d", len(args))
	}

	q, args = candidatesQuery("taxi", "downtown", nil)
	if !strings.Contains(q, "district_id=$2") {
		t.Fatalf("district placeholder not renumbered: %s", q)
	}
	if len(args) != 2 {
		t.Fatalf("expected 2 args, got %d", len(args))
	}
}
