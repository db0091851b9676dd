package hooking

import "context"

type suppressKey struct{}

// Suppress returns a context in which wrappers call the original function
// without intercepting the call.
func Suppress(ctx context.Context) context.Context {
	return context.WithValue(ctx, suppressKey{}, true)
}

// Suppressed tells if interception is suppressed in the context.
func Suppressed(ctx context.Context) bool {
	suppressed, _ := ctx.Value(suppressKey{}).(bool)
	return suppressed
}
