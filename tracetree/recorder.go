package tracetree

import (
	"github.com/go-logr/logr"

	"github.com/sarchlab/autoinstr/hooking"
)

// A Recorder is a hook that applies run events to a forest.
//
// The forest rejects events that break the lifecycle, such as a second end of
// the same run. The Recorder logs the rejection and passes it to the error
// handler.
type Recorder struct {
	forest  *Forest
	logger  logr.Logger
	onError func(pos *hooking.HookPos, err error)
}

// RecorderOption configures a Recorder.
type RecorderOption func(r *Recorder)

// WithLogger sets the logger of the recorder.
func WithLogger(logger logr.Logger) RecorderOption {
	return func(r *Recorder) {
		r.logger = logger
	}
}

// WithErrorHandler sets a function that is called with every rejected event.
func WithErrorHandler(
	onError func(pos *hooking.HookPos, err error),
) RecorderOption {
	return func(r *Recorder) {
		r.onError = onError
	}
}

// NewRecorder creates a recorder that writes into the forest.
func NewRecorder(forest *Forest, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		forest: forest,
		logger: logr.Discard(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Forest returns the forest that the recorder writes into.
func (r *Recorder) Forest() *Forest {
	return r.forest
}

// Func applies the event carried by the hook context.
func (r *Recorder) Func(ctx hooking.HookCtx) {
	var err error

	switch ctx.Pos {
	case HookPosRunBegin:
		item := itemMustBe[RunBegin](ctx)
		_, err = r.forest.Begin(item.RunID, item.ParentRunID, item.Name, item.Kind)

		if err == nil && len(item.Attributes) > 0 {
			r.forest.setAttributes(item.RunID, item.Attributes)
		}
	case HookPosRunEnd:
		item := itemMustBe[RunEnd](ctx)
		err = r.forest.End(item.RunID, item.Attributes)
	case HookPosRunError:
		item := itemMustBe[RunError](ctx)
		err = r.forest.Error(item.RunID, item.Detail, item.Attributes)
	default:
		return
	}

	if err == nil {
		return
	}

	r.logger.Error(err, "run event rejected", "pos", ctx.Pos.Name)

	if r.onError != nil {
		r.onError(ctx.Pos, err)
	}
}

var _ hooking.Hook = (*Recorder)(nil)
