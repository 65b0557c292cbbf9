package logging

import (
	"context"

	"go.viam.com/utils"
)

type debugRunKey struct{}

// WithDebugRun marks ctx so that context-aware debug lines are logged for the work done under it,
// whatever the logger level. An empty name is replaced by a random one so runs can be told apart
// in a shared log.
func WithDebugRun(ctx context.Context, name string) context.Context {
	if name == "" {
		name = utils.RandomAlphaString(6)
	}
	return context.WithValue(ctx, debugRunKey{}, name)
}

// IsDebugMode returns whether ctx was marked by WithDebugRun.
func IsDebugMode(ctx context.Context) bool {
	return DebugRunName(ctx) != ""
}

// DebugRunName returns the name ctx was marked with, or "".
func DebugRunName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	name, _ := ctx.Value(debugRunKey{}).(string)
	return name
}
