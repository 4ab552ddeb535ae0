package logger

import "context"

// contextKey is a private type for context keys to avoid collisions.
type contextKey struct{}

var logContextKey = contextKey{}

// LogContext holds upcall-scoped logging context: the fields that identify
// which request a log line belongs to, so a reader can follow one upcall's
// lifecycle across the transport, dispatcher and store layers.
type LogContext struct {
	Command string // upcall command name (Create, Remove, Check, ...)
	Xid     uint32 // transaction id echoed in the reply
	Epoch   uint64 // current_epoch at the time of the call
}

// WithContext returns a new context carrying the given LogContext.
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from ctx, or nil if absent.
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

func appendContextFields(ctx context.Context, args []any) []any {
	lc := FromContext(ctx)
	if lc == nil {
		return args
	}

	ctxArgs := make([]any, 0, 6+len(args))
	if lc.Command != "" {
		ctxArgs = append(ctxArgs, "command", lc.Command)
	}
	if lc.Xid != 0 {
		ctxArgs = append(ctxArgs, "xid", lc.Xid)
	}
	if lc.Epoch != 0 {
		ctxArgs = append(ctxArgs, "epoch", lc.Epoch)
	}
	return append(ctxArgs, args...)
}

// DebugCtx logs at debug level, auto-injecting command/xid/epoch from ctx.
func DebugCtx(ctx context.Context, msg string, args ...any) {
	if LevelDebug < Level(currentLevel.Load()) {
		return
	}
	getLogger().Debug(msg, appendContextFields(ctx, args)...)
}

// InfoCtx logs at info level, auto-injecting command/xid/epoch from ctx.
func InfoCtx(ctx context.Context, msg string, args ...any) {
	if LevelInfo < Level(currentLevel.Load()) {
		return
	}
	getLogger().Info(msg, appendContextFields(ctx, args)...)
}

// WarnCtx logs at warn level, auto-injecting command/xid/epoch from ctx.
func WarnCtx(ctx context.Context, msg string, args ...any) {
	if LevelWarn < Level(currentLevel.Load()) {
		return
	}
	getLogger().Warn(msg, appendContextFields(ctx, args)...)
}

// ErrorCtx logs at error level, auto-injecting command/xid/epoch from ctx.
func ErrorCtx(ctx context.Context, msg string, args ...any) {
	getLogger().Error(msg, appendContextFields(ctx, args)...)
}
