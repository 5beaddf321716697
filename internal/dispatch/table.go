// Package dispatch maps message type ids to handlers.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/luciancaetano/knet"
	"github.com/luciancaetano/knet/codec"
)

const tracerName = "github.com/luciancaetano/knet/internal/dispatch"

// DropReason says why an inbound message did not reach user code.
type DropReason string

const (
	DropUnknown      DropReason = "unknown_type"
	DropDecode       DropReason = "decode_error"
	DropPanic        DropReason = "handler_panic"
	DropUnauthorized DropReason = "unauthorized"
)

type entry[ID comparable] struct {
	handler               knet.RawHandler[ID]
	requiresAuthorization bool
}

// Table is a dispatch table. Registration is safe while messages are being
// dispatched.
type Table[ID comparable] struct {
	mu       sync.RWMutex
	handlers map[uint16]entry[ID]

	logger    *slog.Logger
	tracer    trace.Tracer
	onDrop    func(typeID uint16, reason DropReason)
	onReplace func(typeID uint16)
	format    func(ID) string
}

// Option configures a Table.
type Option[ID comparable] func(*Table[ID])

// WithLogger sets the logger used for diagnostics.
func WithLogger[ID comparable](logger *slog.Logger) Option[ID] {
	return func(t *Table[ID]) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithDropHook registers fn to be called for every dropped message.
func WithDropHook[ID comparable](fn func(typeID uint16, reason DropReason)) Option[ID] {
	return func(t *Table[ID]) {
		t.onDrop = fn
	}
}

// WithReplaceHook registers fn to be called when Register replaces a
// handler.
func WithReplaceHook[ID comparable](fn func(typeID uint16)) Option[ID] {
	return func(t *Table[ID]) {
		t.onReplace = fn
	}
}

// WithFormatter sets how sender identities are rendered in logs.
func WithFormatter[ID comparable](fn func(ID) string) Option[ID] {
	return func(t *Table[ID]) {
		t.format = fn
	}
}

// New returns an empty table.
func New[ID comparable](opts ...Option[ID]) *Table[ID] {
	t := &Table[ID]{
		handlers: make(map[uint16]entry[ID]),
		logger:   slog.Default().With("component", "dispatch"),
		tracer:   otel.Tracer(tracerName),
		format:   func(id ID) string { return fmt.Sprint(id) },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Register installs handler under typeID and reports whether it replaced an
// existing one. A replacement is logged, never rejected.
func (t *Table[ID]) Register(typeID uint16, handler knet.RawHandler[ID], requiresAuthorization bool) bool {
	t.mu.Lock()
	_, replaced := t.handlers[typeID]
	t.handlers[typeID] = entry[ID]{handler: handler, requiresAuthorization: requiresAuthorization}
	t.mu.Unlock()

	if replaced {
		t.logger.Warn("replacing message handler", "type_id", typeID)
		if t.onReplace != nil {
			t.onReplace(typeID)
		}
	}
	return replaced
}

// RegisterHandler implements knet.Router.
func (t *Table[ID]) RegisterHandler(typeID uint16, handler knet.RawHandler[ID], requiresAuthorization bool) {
	t.Register(typeID, handler, requiresAuthorization)
}

// UnregisterHandler implements knet.Router.
func (t *Table[ID]) UnregisterHandler(typeID uint16) {
	t.mu.Lock()
	delete(t.handlers, typeID)
	t.mu.Unlock()
}

// ClearHandlers implements knet.Router.
func (t *Table[ID]) ClearHandlers() {
	t.mu.Lock()
	clear(t.handlers)
	t.mu.Unlock()
}

// Len returns the number of registered handlers.
func (t *Table[ID]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.handlers)
}

// Has reports whether a handler is registered for typeID.
func (t *Table[ID]) Has(typeID uint16) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.handlers[typeID]
	return ok
}

// Dispatch runs the handler registered for typeID.
//
// It returns false when no handler is registered. Otherwise it returns true,
// even if the message was then dropped because the connection was not
// authorized, the payload failed to decode, or the handler panicked; those
// cases are logged and reported to the drop hook.
func (t *Table[ID]) Dispatch(ctx context.Context, typeID uint16, sender ID, authorized bool, payload *codec.Reader) bool {
	t.mu.RLock()
	e, ok := t.handlers[typeID]
	t.mu.RUnlock()

	if !ok {
		t.drop(typeID, DropUnknown, "unknown message type", "sender", t.format(sender))
		return false
	}
	if e.requiresAuthorization && !authorized {
		t.drop(typeID, DropUnauthorized, knet.ErrMsgUnauthorizedDrop, "sender", t.format(sender))
		return true
	}

	_, span := t.tracer.Start(ctx, "knet.dispatch",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.Int("knet.type_id", int(typeID)),
			attribute.Int("knet.payload_bytes", payload.Remaining()),
		),
	)
	defer span.End()

	if err := t.invoke(typeID, e.handler, sender, payload); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return true
}

func (t *Table[ID]) invoke(typeID uint16, handler knet.RawHandler[ID], sender ID, payload *codec.Reader) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			t.drop(typeID, DropPanic, "message handler panicked", "sender", t.format(sender), "panic", r)
		}
	}()

	if err = handler(sender, payload); err != nil {
		t.drop(typeID, DropDecode, "invalid data received", "sender", t.format(sender), "error", err)
	}
	return err
}

// DispatchMessage serializes msg and dispatches it locally as if it had
// arrived from sender.
func (t *Table[ID]) DispatchMessage(ctx context.Context, msg knet.Message, sender ID, authorized bool) bool {
	w := codec.NewWriter()
	msg.Serialize(w)
	return t.Dispatch(ctx, knet.TypeIDOf(msg), sender, authorized, codec.NewReader(w.Bytes()))
}

func (t *Table[ID]) drop(typeID uint16, reason DropReason, msg string, args ...any) {
	t.logger.Warn(msg, append([]any{"type_id", typeID, "reason", string(reason)}, args...)...)
	if t.onDrop != nil {
		t.onDrop(typeID, reason)
	}
}
