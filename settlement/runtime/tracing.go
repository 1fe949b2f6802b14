package runtime

import (
	"context"
	"errors"
	"fmt"

	constant "github.com/LerianStudio/lib-settlement/settlement/constants"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrPanic is recorded on spans when a panic is recovered.
var ErrPanic = errors.New("panic")

// PanicSpanEventName is the span event written for every recovered panic.
const PanicSpanEventName = "panic.recovered"

const maxStackAttrLength = 4096

// RecordPanicToSpan writes a panic event on the span carried by ctx.
func RecordPanicToSpan(ctx context.Context, panicValue any, stack []byte, goroutineName string) {
	recordPanic(ctx, panicValue, stack, "", goroutineName)
}

// RecordPanicToSpanWithComponent is RecordPanicToSpan plus a component attribute.
func RecordPanicToSpanWithComponent(ctx context.Context, panicValue any, stack []byte, component, goroutineName string) {
	recordPanic(ctx, panicValue, stack, component, goroutineName)
}

func recordPanic(ctx context.Context, panicValue any, stack []byte, component, goroutineName string) {
	if ctx == nil {
		return
	}

	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	trimmed := string(stack)
	if len(trimmed) > maxStackAttrLength {
		trimmed = trimmed[:maxStackAttrLength]
	}

	attrs := []attribute.KeyValue{
		attribute.String(constant.AttrPrefixPanic+"value", fmt.Sprintf("%v", panicValue)),
		attribute.String(constant.AttrPrefixPanic+"stack", trimmed),
		attribute.String(constant.AttrPrefixPanic+"goroutine_name", goroutineName),
	}

	if component != "" {
		attrs = append(attrs, attribute.String(constant.AttrPrefixPanic+"component", component))
	}

	span.AddEvent(PanicSpanEventName, trace.WithAttributes(attrs...))
	span.RecordError(fmt.Errorf("%w: %v", ErrPanic, panicValue))
	span.SetStatus(codes.Error, "panic recovered in "+goroutineName)
}
