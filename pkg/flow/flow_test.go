package flow

import (
	"context"
	"reflect"
	"testing"
)

func noop(ctx context.Context, inputs map[string]any) (any, error) { return nil, nil }

func buildLinearFlow() *Flow {
	f := NewFlow("linear", "v1")
	f.AddTask(NewTask("a", noop))
	f.AddTask(NewTask("b", noop))
	f.AddTask(NewTask("c", noop))
	f.AddEdge(Edge{Upstream: "a", Downstream: "b", Key: "in"})
	f.AddEdge(Edge{Upstream: "b", Downstream: "c", Key: "in"})
	return f
}

func TestRootAndTerminalTasks(t *testing.T) {
	f := buildLinearFlow()
	if got := f.RootTasks(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("RootTasks() = %v, want [a]", got)
	}
	if got := f.TerminalTasks(); !reflect.DeepEqual(got, []string{"c"}) {
		t.Errorf("TerminalTasks() = %v, want [c]", got)
	}
}

func TestReferenceTasksDefaultsToTerminal(t *testing.T) {
	f := buildLinearFlow()
	if got := f.ReferenceTasks(); !reflect.DeepEqual(got, []string{"c"}) {
		t.Errorf("ReferenceTasks() = %v, want [c]", got)
	}
	f.SetReferenceTasks("a", "b")
	if got := f.ReferenceTasks(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("ReferenceTasks() after override = %v, want [a b]", got)
	}
}

func TestValidateDetectsCycle(t *testing.T) {
	f := NewFlow("cyclic", "v1")
	f.AddTask(NewTask("a", noop))
	f.AddTask(NewTask("b", noop))
	f.AddEdge(Edge{Upstream: "a", Downstream: "b", Key: "in"})
	f.AddEdge(Edge{Upstream: "b", Downstream: "a", Key: "in"})
	if err := f.Validate(); err == nil {
		t.Error("expected Validate to detect a cycle")
	}
}

func TestValidateDetectsUnknownTask(t *testing.T) {
	f := NewFlow("dangling", "v1")
	f.AddTask(NewTask("a", noop))
	f.AddEdge(Edge{Upstream: "a", Downstream: "ghost", Key: "in"})
	if err := f.Validate(); err == nil {
		t.Error("expected Validate to reject an edge to an unregistered task")
	}
}

func TestSortedTasksIsTopologicalAndDeterministic(t *testing.T) {
	// diamond: a -> b, a -> c, b -> d, c -> d
	f := NewFlow("diamond", "v1")
	for _, id := range []string{"a", "b", "c", "d"} {
		f.AddTask(NewTask(id, noop))
	}
	f.AddEdge(Edge{Upstream: "a", Downstream: "b", Key: "in"})
	f.AddEdge(Edge{Upstream: "a", Downstream: "c", Key: "in"})
	f.AddEdge(Edge{Upstream: "b", Downstream: "d", Key: "in"})
	f.AddEdge(Edge{Upstream: "c", Downstream: "d", Key: "in"})

	order, err := f.SortedTasks(nil)
	if err != nil {
		t.Fatalf("SortedTasks() error = %v", err)
	}
	want := []string{"a", "b", "c", "d"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("SortedTasks() = %v, want %v", order, want)
	}
}

func TestSortedTasksRestrictsToReachableSubgraph(t *testing.T) {
	f := NewFlow("branches", "v1")
	for _, id := range []string{"a", "b", "x", "y"} {
		f.AddTask(NewTask(id, noop))
	}
	f.AddEdge(Edge{Upstream: "a", Downstream: "b", Key: "in"})
	f.AddEdge(Edge{Upstream: "x", Downstream: "y", Key: "in"})

	order, err := f.SortedTasks([]string{"a"})
	if err != nil {
		t.Fatalf("SortedTasks() error = %v", err)
	}
	want := []string{"a", "b"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("SortedTasks([a]) = %v, want %v (x/y should be excluded)", order, want)
	}
}
