package notify

import (
	"reflect"
	"testing"
)

func sliceFetch(items []string) (FetchPage, *[]int) {
	var limits []int
	fetch := func(offset, limit int) []string {
		limits = append(limits, limit)
		if offset >= len(items) {
			return nil
		}
		end := offset + limit
		if end > len(items) {
			end = len(items)
		}
		return items[offset:end]
	}
	return fetch, &limits
}

func drain(c *SubscriptionCursor) []string {
	var out []string
	for item, ok := c.Next(); ok; item, ok = c.Next() {
		out = append(out, item)
	}
	return out
}

func TestCursorPagination(t *testing.T) {
	items := []string{"a", "b", "c", "d", "e"}
	fetch, limits := sliceFetch(items)
	c := NewSubscriptionCursor(fetch, 2, nil)
	defer c.Close()

	if got := drain(c); !reflect.DeepEqual(got, items) {
		t.Errorf("Expected all items in order, got %v", got)
	}
	// Each fetch asks for pageSize+1 to detect another page.
	for _, l := range *limits {
		if l != 3 {
			t.Errorf("Expected fetch limit 3, got %v", *limits)
			break
		}
	}
	// Pages: [a b], [c d], then [e] which fits under pageSize+1 and ends
	// the sequence without a fourth fetch.
	if len(*limits) != 3 {
		t.Errorf("Expected 3 fetches, got %d", len(*limits))
	}
}

func TestCursorReset(t *testing.T) {
	fetch, _ := sliceFetch([]string{"a", "b", "c"})
	c := NewSubscriptionCursor(fetch, 2, nil)
	defer c.Close()

	if item, ok := c.Next(); !ok || item != "a" {
		t.Fatalf("Next = %q, %v", item, ok)
	}
	c.Reset()
	if got := drain(c); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Errorf("Expected full sequence after reset, got %v", got)
	}
}

func TestCursorCloseRunsHookOnce(t *testing.T) {
	fetch, _ := sliceFetch([]string{"a", "b"})
	released := 0
	c := NewSubscriptionCursor(fetch, 10, func() { released++ })

	// Early exit: consumer takes one item and stops.
	if _, ok := c.Next(); !ok {
		t.Fatal("Expected first item")
	}
	c.Close()
	c.Close()

	if released != 1 {
		t.Errorf("Expected release hook to run exactly once, ran %d times", released)
	}
	if _, ok := c.Next(); ok {
		t.Error("Expected Next to stop after Close")
	}
}

func TestCursorEmptySequence(t *testing.T) {
	fetch, _ := sliceFetch(nil)
	c := NewSubscriptionCursor(fetch, 2, nil)
	defer c.Close()

	if item, ok := c.Next(); ok {
		t.Errorf("Expected empty cursor, got %q", item)
	}
}
