// Package tracetree tracks nested operation runs as a forest of nodes.
//
// Instrumentation callbacks report begin, end, and error events keyed by run
// identifiers. The events may come from many goroutines at the same time. The
// forest links each run to its parent, records its terminal status, and keeps
// it until the subtree is dropped.
package tracetree

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Errors returned by Forest.
var (
	ErrEmptyRunID   = errors.New("run id must not be empty")
	ErrDuplicateRun = errors.New("duplicate run")
	ErrUnknownRun   = errors.New("unknown run")
	ErrRunNotOpen   = errors.New("run is not open")
)

// Option configures a Forest.
type Option func(f *Forest)

// WithClock sets the time source of the forest.
func WithClock(now func() time.Time) Option {
	return func(f *Forest) {
		f.now = now
	}
}

// WithEvictOnRootClose makes the forest drop a tree once its root and every
// descendant are terminal. By default, trees stay until DropSubtree.
func WithEvictOnRootClose() Option {
	return func(f *Forest) {
		f.evictOnRootClose = true
	}
}

// A Forest holds trace nodes. It is safe for concurrent use.
type Forest struct {
	lock  sync.RWMutex
	nodes map[string]*Node
	roots []string

	now              func() time.Time
	evictOnRootClose bool
}

// NewForest creates an empty forest.
func NewForest(opts ...Option) *Forest {
	f := &Forest{
		nodes: make(map[string]*Node),
		now:   time.Now,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// Begin creates an open node. If the parent is in the forest, the node is
// appended to the children of the parent. Otherwise, the node is a root.
func (f *Forest) Begin(runID, parentRunID, name, kind string) (Node, error) {
	if runID == "" {
		return Node{}, ErrEmptyRunID
	}

	f.lock.Lock()
	defer f.lock.Unlock()

	if _, exists := f.nodes[runID]; exists {
		return Node{}, fmt.Errorf("begin %s: %w", runID, ErrDuplicateRun)
	}

	n := &Node{
		RunID:       runID,
		ParentRunID: parentRunID,
		Name:        name,
		Kind:        kind,
		Children:    []string{},
		Status:      Open,
		Attributes:  map[string]any{},
		Start:       f.now(),
	}

	parent, hasParent := f.nodes[parentRunID]

	switch {
	case parentRunID != "" && hasParent:
		parent.Children = append(parent.Children, runID)
	case parentRunID != "":
		n.Detached = true
		f.roots = append(f.roots, runID)
	default:
		f.roots = append(f.roots, runID)
	}

	f.nodes[runID] = n

	return n.clone(), nil
}

// End closes an open node and merges the attributes. Open children are not
// closed.
func (f *Forest) End(runID string, attrs map[string]any) error {
	return f.finish(runID, Closed, attrs)
}

// Error marks an open node as errored. The detail is stored as the
// error.kind and error.message attributes.
func (f *Forest) Error(
	runID string,
	detail ErrorDetail,
	attrs map[string]any,
) error {
	merged := make(map[string]any, len(attrs)+2)
	for k, v := range attrs {
		merged[k] = v
	}

	merged[AttrErrorKind] = detail.Kind
	merged[AttrErrorMessage] = detail.Message

	return f.finish(runID, Errored, merged)
}

func (f *Forest) finish(
	runID string,
	status Status,
	attrs map[string]any,
) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	n, ok := f.nodes[runID]
	if !ok {
		return fmt.Errorf("finish %s: %w", runID, ErrUnknownRun)
	}

	if n.Status.Terminal() {
		return fmt.Errorf("finish %s (%s): %w", runID, n.Status, ErrRunNotOpen)
	}

	n.mergeAttributes(attrs)
	n.Status = status
	n.End = f.now()

	if f.evictOnRootClose {
		f.evictTreeIfDone(runID)
	}

	return nil
}

func (f *Forest) evictTreeIfDone(runID string) {
	root := f.rootOf(runID)
	if f.subtreeDone(root) {
		f.dropSubtree(root)
	}
}

func (f *Forest) rootOf(runID string) string {
	n := f.nodes[runID]
	for !n.IsRoot() {
		n = f.nodes[n.ParentRunID]
	}

	return n.RunID
}

func (f *Forest) subtreeDone(runID string) bool {
	n := f.nodes[runID]
	if !n.Status.Terminal() {
		return false
	}

	for _, child := range n.Children {
		if !f.subtreeDone(child) {
			return false
		}
	}

	return true
}

// Lookup returns a copy of a node.
func (f *Forest) Lookup(runID string) (Node, bool) {
	f.lock.RLock()
	defer f.lock.RUnlock()

	n, ok := f.nodes[runID]
	if !ok {
		return Node{}, false
	}

	return n.clone(), true
}

// DropSubtree removes a node and all its descendants. It returns the number
// of removed nodes.
func (f *Forest) DropSubtree(runID string) (int, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if _, ok := f.nodes[runID]; !ok {
		return 0, fmt.Errorf("drop %s: %w", runID, ErrUnknownRun)
	}

	return f.dropSubtree(runID), nil
}

func (f *Forest) dropSubtree(runID string) int {
	n := f.nodes[runID]

	if n.IsRoot() {
		f.roots = removeID(f.roots, runID)
	} else if parent, ok := f.nodes[n.ParentRunID]; ok {
		parent.Children = removeID(parent.Children, runID)
	}

	removed := 0
	stack := []string{runID}

	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		node, ok := f.nodes[id]
		if !ok {
			continue
		}

		stack = append(stack, node.Children...)
		delete(f.nodes, id)
		removed++
	}

	return removed
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}

	return ids
}

// Roots returns the ids of the root nodes in creation order.
func (f *Forest) Roots() []string {
	f.lock.RLock()
	defer f.lock.RUnlock()

	roots := make([]string, len(f.roots))
	copy(roots, f.roots)

	return roots
}

// Len returns the number of nodes in the forest.
func (f *Forest) Len() int {
	f.lock.RLock()
	defer f.lock.RUnlock()

	return len(f.nodes)
}

// Ancestry returns the node and its ancestors, innermost first. It returns
// nil if the run is unknown.
func (f *Forest) Ancestry(runID string) []Node {
	f.lock.RLock()
	defer f.lock.RUnlock()

	var chain []Node

	n, ok := f.nodes[runID]
	for ok {
		chain = append(chain, n.clone())

		if n.IsRoot() {
			break
		}

		n, ok = f.nodes[n.ParentRunID]
	}

	return chain
}

// OpenRuns returns the ids of the nodes that are still open, sorted by start
// time.
func (f *Forest) OpenRuns() []string {
	f.lock.RLock()
	defer f.lock.RUnlock()

	open := []*Node{}
	for _, n := range f.nodes {
		if n.Status == Open {
			open = append(open, n)
		}
	}

	sort.Slice(open, func(i, j int) bool {
		if open[i].Start.Equal(open[j].Start) {
			return open[i].RunID < open[j].RunID
		}

		return open[i].Start.Before(open[j].Start)
	})

	ids := make([]string, len(open))
	for i, n := range open {
		ids[i] = n.RunID
	}

	return ids
}

func (f *Forest) setAttributes(runID string, attrs map[string]any) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if n, ok := f.nodes[runID]; ok {
		n.mergeAttributes(attrs)
	}
}
