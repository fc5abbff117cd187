package dashboard

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/cloud-wave-best-zizon/order-service/internal/domain"
)

const maxFilterLen = 2048

var ErrFilterTooLong = errors.New("filter too long")

// Filter is an optional CEL predicate narrowing a subscription beyond its
// topics, e.g. `payload.reason == "PAY_ORDER"`. A nil *Filter accepts all.
// The event type is exposed as event_type since `type` is a CEL builtin.
type Filter struct {
	expr string
	prog cel.Program
}

func NewFilter(expr string) (*Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	if len(expr) > maxFilterLen {
		return nil, ErrFilterTooLong
	}

	env, err := cel.NewEnv(
		cel.Variable("cursor", cel.IntType),
		cel.Variable("event_type", cel.StringType),
		cel.Variable("topic", cel.StringType),
		cel.Variable("op", cel.StringType),
		cel.Variable("ts_ms", cel.IntType),
		// payload decoded from its JSON form
		cel.Variable("payload", cel.DynType),
	)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	if t := ast.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
		return nil, errors.New("filter must evaluate to a bool")
	}
	prog, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	return &Filter{expr: expr, prog: prog}, nil
}

func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.expr
}

// Accepts evaluates the predicate. Evaluation errors reject the event.
func (f *Filter) Accepts(vars map[string]any) bool {
	if f == nil {
		return true
	}
	out, _, err := f.prog.Eval(vars)
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

// activation builds the CEL variables for evt.
func activation(evt domain.DashboardEvent) map[string]any {
	var payload any
	if evt.Payload != nil {
		if raw, err := json.Marshal(evt.Payload); err == nil {
			_ = json.Unmarshal(raw, &payload)
		}
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return map[string]any{
		"cursor":     evt.Cursor,
		"event_type": string(evt.Type),
		"topic":      evt.Topic,
		"op":         string(evt.Op),
		"ts_ms":      evt.Timestamp.UnixMilli(),
		"payload":    payload,
	}
}

// FilterEvents keeps the events f accepts.
func FilterEvents(f *Filter, events []domain.DashboardEvent) []domain.DashboardEvent {
	if f == nil {
		return events
	}
	out := events[:0:0]
	for _, evt := range events {
		if f.Accepts(activation(evt)) {
			out = append(out, evt)
		}
	}
	return out
}
