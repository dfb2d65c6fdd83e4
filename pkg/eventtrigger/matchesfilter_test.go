package eventtrigger

import "testing"

func TestMatchesFilterEmptyMatchesEverything(t *testing.T) {
	if !matchesFilter(map[string]any{"a": 1}, nil) {
		t.Error("expected a nil filter to match any event")
	}
	if !matchesFilter(map[string]any{}, Filter{}) {
		t.Error("expected an empty filter to match any event")
	}
}

func TestMatchesFilterRequiresAllKeys(t *testing.T) {
	event := map[string]any{"type": "order.created", "region": "us-east"}
	filter := Filter{"type": "order.created", "region": "us-east"}

	if !matchesFilter(event, filter) {
		t.Error("expected every filter key present with an equal value to match")
	}
}

func TestMatchesFilterRejectsMissingKey(t *testing.T) {
	event := map[string]any{"type": "order.created"}
	filter := Filter{"type": "order.created", "region": "us-east"}

	if matchesFilter(event, filter) {
		t.Error("expected a filter key absent from the event to reject")
	}
}

func TestMatchesFilterRejectsMismatchedValue(t *testing.T) {
	event := map[string]any{"type": "order.cancelled"}
	filter := Filter{"type": "order.created"}

	if matchesFilter(event, filter) {
		t.Error("expected a mismatched value to reject")
	}
}

func TestMatchesFilterComparesByStringValue(t *testing.T) {
	event := map[string]any{"count": 3}
	filter := Filter{"count": "3"}

	if !matchesFilter(event, filter) {
		t.Error("expected int 3 and string \"3\" to compare equal via %v formatting")
	}
}
