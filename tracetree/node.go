package tracetree

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a node.
type Status int

// Node statuses. Closed and Errored are terminal.
const (
	Open Status = iota
	Closed
	Errored
)

func (s Status) String() string {
	switch s {
	case Open:
		return "open"
	case Closed:
		return "closed"
	case Errored:
		return "errored"
	}

	return fmt.Sprintf("Status(%d)", int(s))
}

// Terminal tells if no further transition is allowed.
func (s Status) Terminal() bool {
	return s == Closed || s == Errored
}

// Attribute keys set on errored nodes.
const (
	AttrErrorKind    = "error.kind"
	AttrErrorMessage = "error.message"
)

// Error kinds with a fixed meaning.
const (
	KindCancelled = "cancelled"
	KindTimeout   = "timeout"
)

// ErrorDetail describes why a run failed.
type ErrorDetail struct {
	Kind    string
	Message string
}

func (d ErrorDetail) String() string {
	if d.Message == "" {
		return d.Kind
	}

	return d.Kind + ": " + d.Message
}

// DetailFromError converts an error into an ErrorDetail. Context cancellation
// and deadlines map to KindCancelled and KindTimeout.
func DetailFromError(err error) ErrorDetail {
	switch {
	case err == nil:
		return ErrorDetail{}
	case errors.Is(err, context.Canceled):
		return ErrorDetail{Kind: KindCancelled, Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorDetail{Kind: KindTimeout, Message: err.Error()}
	}

	return ErrorDetail{Kind: fmt.Sprintf("%T", err), Message: err.Error()}
}

// A Node is one operation run.
type Node struct {
	RunID       string
	ParentRunID string
	Name        string
	Kind        string

	// Detached is set when the parent run was not in the forest at Begin. The
	// node is then a root, and ParentRunID is kept for diagnosis only.
	Detached bool

	Children   []string
	Status     Status
	Attributes map[string]any
	Start      time.Time
	End        time.Time
}

// IsRoot tells if the node is not nested under another node.
func (n Node) IsRoot() bool {
	return n.ParentRunID == "" || n.Detached
}

// Duration returns the time between start and end. It is zero for open
// nodes.
func (n Node) Duration() time.Duration {
	if !n.Status.Terminal() {
		return 0
	}

	return n.End.Sub(n.Start)
}

func (n *Node) clone() Node {
	c := *n

	c.Children = make([]string, len(n.Children))
	copy(c.Children, n.Children)

	c.Attributes = make(map[string]any, len(n.Attributes))
	for k, v := range n.Attributes {
		c.Attributes[k] = v
	}

	return c
}

func (n *Node) mergeAttributes(attrs map[string]any) {
	for k, v := range attrs {
		n.Attributes[k] = v
	}
}
