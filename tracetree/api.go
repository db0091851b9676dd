package tracetree

import (
	"context"
	"fmt"

	"github.com/sarchlab/autoinstr/hooking"
)

// RunBegin is the hook item of HookPosRunBegin.
type RunBegin struct {
	RunID       string
	ParentRunID string
	Name        string
	Kind        string
	Attributes  map[string]any
}

// RunEnd is the hook item of HookPosRunEnd.
type RunEnd struct {
	RunID      string
	Attributes map[string]any
}

// RunError is the hook item of HookPosRunError.
type RunError struct {
	RunID      string
	Detail     ErrorDetail
	Attributes map[string]any
}

func runIDMustNotBeEmpty(runID string) {
	if runID == "" {
		panic("run id must not be empty")
	}
}

// BeginRun notifies the hooks of the domain about the start of a run.
func BeginRun(
	domain hooking.Hookable,
	runID, parentRunID, name, kind string,
	attrs map[string]any,
) {
	if domain.NumHooks() == 0 {
		return
	}

	runIDMustNotBeEmpty(runID)

	domain.InvokeHook(hooking.HookCtx{
		Domain: domain,
		Pos:    HookPosRunBegin,
		Item: RunBegin{
			RunID:       runID,
			ParentRunID: parentRunID,
			Name:        name,
			Kind:        kind,
			Attributes:  attrs,
		},
	})
}

// EndRun notifies the hooks of the domain about the completion of a run.
func EndRun(domain hooking.Hookable, runID string, attrs map[string]any) {
	if domain.NumHooks() == 0 {
		return
	}

	runIDMustNotBeEmpty(runID)

	domain.InvokeHook(hooking.HookCtx{
		Domain: domain,
		Pos:    HookPosRunEnd,
		Item:   RunEnd{RunID: runID, Attributes: attrs},
	})
}

// FailRun notifies the hooks of the domain about the failure of a run.
func FailRun(
	domain hooking.Hookable,
	runID string,
	detail ErrorDetail,
	attrs map[string]any,
) {
	if domain.NumHooks() == 0 {
		return
	}

	runIDMustNotBeEmpty(runID)

	domain.InvokeHook(hooking.HookCtx{
		Domain: domain,
		Pos:    HookPosRunError,
		Item:   RunError{RunID: runID, Detail: detail, Attributes: attrs},
	})
}

type runKey struct{}

// ContextWithRun returns a context that carries the run id. Operations started
// with the context use the run as their parent.
func ContextWithRun(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runKey{}, runID)
}

// RunFromContext returns the run id carried by the context.
func RunFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}

	runID, ok := ctx.Value(runKey{}).(string)

	return runID, ok && runID != ""
}

func itemMustBe[T any](ctx hooking.HookCtx) T {
	item, ok := ctx.Item.(T)
	if !ok {
		panic(fmt.Sprintf("hook %s carries %T", ctx.Pos.Name, ctx.Item))
	}

	return item
}
