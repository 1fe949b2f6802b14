package runtime

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/LerianStudio/lib-settlement/settlement/log"
)

// Logger is the subset of log.Logger the runtime needs.
type Logger interface {
	Log(ctx context.Context, level log.Level, msg string, fields ...log.Field)
}

// RecoverAndLogWithContext recovers from a panic, logs it with the stack
// trace and records it on the span carried by ctx.
//
//	defer runtime.RecoverAndLogWithContext(ctx, logger, "engine", "worker")
func RecoverAndLogWithContext(ctx context.Context, logger Logger, component, name string) {
	if r := recover(); r != nil {
		stack := debug.Stack()
		logPanic(ctx, logger, component, name, r, stack)
		RecordPanicToSpanWithComponent(ctx, r, stack, component, name)
	}
}

// RecoverWithPolicyAndContext recovers, records and then applies policy.
func RecoverWithPolicyAndContext(ctx context.Context, logger Logger, component, name string, policy PanicPolicy) {
	if r := recover(); r != nil {
		stack := debug.Stack()
		logPanic(ctx, logger, component, name, r, stack)
		RecordPanicToSpanWithComponent(ctx, r, stack, component, name)

		if policy == CrashProcess {
			panic(r)
		}
	}
}

// HandlePanicValue processes a panic value already recovered by someone else,
// such as fiber's recover middleware.
func HandlePanicValue(ctx context.Context, logger Logger, panicValue any, component, name string) {
	if panicValue == nil {
		return
	}

	stack := debug.Stack()
	logPanic(ctx, logger, component, name, panicValue, stack)
	RecordPanicToSpanWithComponent(ctx, panicValue, stack, component, name)
}

func logPanic(ctx context.Context, logger Logger, component, name string, value any, stack []byte) {
	if logger == nil {
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}

	fields := []log.Field{
		log.String("source", name),
		log.String("panic_value", fmt.Sprintf("%v", value)),
		log.String("stack_trace", string(stack)),
	}

	if component != "" {
		fields = append(fields, log.Component(component))
	}

	logger.Log(ctx, log.LevelError, "panic recovered", fields...)
}
