package notifications

import (
	"fmt"
	"testing"
)

func TestDismissedIDSetEvictsOldestBeyondCapacity(t *testing.T) {
	set := NewDismissedIDSet(DismissedCapacity)
	for i := 0; i < 250; i++ {
		set.Add(fmt.Sprintf("item-%03d", i))
	}

	if set.Len() != 200 {
		t.Fatalf("expected 200 ids, got %d", set.Len())
	}
	ids := set.IDs()
	if ids[0] != "item-050" || ids[len(ids)-1] != "item-249" {
		t.Fatalf("expected the most recent 200 ids, got %s..%s", ids[0], ids[len(ids)-1])
	}
	for i := 0; i < 50; i++ {
		if set.Contains(fmt.Sprintf("item-%03d", i)) {
			t.Fatalf("expected item-%03d to be evicted", i)
		}
	}
}

func TestDismissedIDSetKeepsOriginalPositionOnReAdd(t *testing.T) {
	set := NewDismissedIDSet(3, "a", "b", "c")
	set.Add("a", "d")

	ids := set.IDs()
	want := []string{"b", "c", "d"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, ids)
		}
	}
}

func TestDismissedIDSetMergeIsUnion(t *testing.T) {
	tabOne := NewDismissedIDSet(10, "a", "b")
	tabTwo := NewDismissedIDSet(10, "b", "c")
	tabOne.Merge(tabTwo)

	for _, id := range []string{"a", "b", "c"} {
		if !tabOne.Contains(id) {
			t.Fatalf("expected merged set to contain %s", id)
		}
	}
	if tabOne.Len() != 3 {
		t.Fatalf("expected 3 ids after merge, got %d", tabOne.Len())
	}
}
