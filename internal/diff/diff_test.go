package diff

import (
	"reflect"
	"testing"
)

func TestSetRecordsOnlyRealChanges(t *testing.T) {
	changes := Changes{}
	changes.Set("title", "Y", "X")
	changes.Set("status", "TODO", "TODO")

	if len(changes) != 1 {
		t.Fatalf("expected 1 change, got %d: %+v", len(changes), changes)
	}
	got, ok := changes["title"]
	if !ok {
		t.Fatal("expected title change to be recorded")
	}
	if got.Old != "Y" || got.New != "X" {
		t.Fatalf("unexpected change: %+v", got)
	}
}

func TestSetIDSetIgnoresOrderAndDuplicates(t *testing.T) {
	changes := Changes{}
	changes.SetIDSet("assignees", []string{"a", "b"}, []string{"b", "a", "b"})
	if len(changes) != 0 {
		t.Fatalf("expected identical sets to record nothing, got %+v", changes)
	}

	changes.SetIDSet("assignees", []string{"a", "b"}, []string{"a", "c"})
	got, ok := changes["assignees"]
	if !ok {
		t.Fatal("expected assignees change to be recorded")
	}
	if !reflect.DeepEqual(got.Old, []string{"a", "b"}) || !reflect.DeepEqual(got.New, []string{"a", "c"}) {
		t.Fatalf("unexpected change: %+v", got)
	}
}

func TestSetIDSetEmptyToEmpty(t *testing.T) {
	changes := Changes{}
	changes.SetIDSet("assignees", nil, []string{})
	if len(changes) != 0 {
		t.Fatalf("expected nil and empty to be the same set, got %+v", changes)
	}
}
