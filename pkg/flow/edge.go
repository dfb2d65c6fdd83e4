package flow

// Edge is a directed dependency from Upstream to Downstream, labeled with
// the parameter Key the downstream task receives the upstream result under.
// Mapped indicates the upstream result is iterated elementwise when
// resolving the downstream task's inputs.
type Edge struct {
	Upstream   string
	Downstream string
	Key        string
	Mapped     bool
}
