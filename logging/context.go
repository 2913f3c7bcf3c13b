package logging

import (
	"context"

	"go.viam.com/utils"
)

type contextKey int

const (
	debugModeKey contextKey = iota
	cycleKey
)

// EnableDebugMode marks ctx so that CDebugw logs even when the logger's level is above debug.
// An empty name is replaced with a random one, which GetName returns.
func EnableDebugMode(ctx context.Context, name string) context.Context {
	if name == "" {
		name = utils.RandomAlphaString(6)
	}
	return context.WithValue(ctx, debugModeKey, name)
}

// IsDebugMode reports whether EnableDebugMode was applied to ctx.
func IsDebugMode(ctx context.Context) bool {
	return GetName(ctx) != ""
}

// GetName is the name given to EnableDebugMode, or "".
func GetName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	name, _ := ctx.Value(debugModeKey).(string)
	return name
}

// WithCycle tags ctx with a pipeline cycle number. The C-prefixed logging methods add it to
// every line as a "cycle" field, so the lines of one frame can be grepped together.
func WithCycle(ctx context.Context, cycle int64) context.Context {
	return context.WithValue(ctx, cycleKey, cycle)
}

// CycleFromContext returns the cycle number set by WithCycle.
func CycleFromContext(ctx context.Context) (int64, bool) {
	if ctx == nil {
		return 0, false
	}
	cycle, ok := ctx.Value(cycleKey).(int64)
	return cycle, ok
}

// contextFields prepends the fields carried by ctx to keysAndValues.
func contextFields(ctx context.Context, keysAndValues []interface{}) []interface{} {
	cycle, ok := CycleFromContext(ctx)
	if !ok {
		return keysAndValues
	}
	return append([]interface{}{"cycle", cycle}, keysAndValues...)
}
