// Package admission gates commits with CEL predicates over the event.
//
// Rules see the event as the variable "event", e.g.
//
//	has(event.type) && event.type in ["ItemBought", "ItemReturned"]
//	!has(event.quantity) || event.quantity > 0
//
// Every rule must evaluate to true for the event to be committed. Rules are
// never applied during verification: what was committed is what is checked.
package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/auditrail/pkg/proof"
)

// ErrRejected is matched by every *RejectedError.
var ErrRejected = errors.New("event rejected by admission rule")

// ErrUnsupportedEvent reports an event rules cannot be evaluated against,
// such as one that contains itself.
var ErrUnsupportedEvent = errors.New("admission: unsupported event")

// RejectedError names the rule an event failed. Err is set when the rule
// could not be evaluated (e.g. it read a missing field); such events are
// rejected too.
type RejectedError struct {
	Rule string
	Err  error
}

func (e *RejectedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("event rejected: rule %q failed to evaluate: %v", e.Rule, e.Err)
	}
	return fmt.Sprintf("event rejected: rule %q is false", e.Rule)
}

func (e *RejectedError) Unwrap() error { return e.Err }

func (e *RejectedError) Is(target error) bool { return target == ErrRejected }

type rule struct {
	expr string
	prg  cel.Program
}

// Evaluator holds compiled rules. It is safe for concurrent use.
type Evaluator struct {
	rules []rule
}

// New compiles rules. Each must type-check to bool.
func New(exprs []string) (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	e := &Evaluator{}
	for i, expr := range exprs {
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("admission rule %d: compile: %w", i, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("admission rule %d: result type is %s, want bool", i, ast.OutputType())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("admission rule %d: program: %w", i, err)
		}
		e.rules = append(e.rules, rule{expr: expr, prg: prg})
	}
	return e, nil
}

// Len returns the number of rules.
func (e *Evaluator) Len() int {
	if e == nil {
		return 0
	}
	return len(e.rules)
}

// Admit returns nil when every rule holds for event. A nil Evaluator
// admits everything. Cyclic or overly nested events fail with
// ErrUnsupportedEvent.
func (e *Evaluator) Admit(ctx context.Context, event proof.Event) error {
	if e.Len() == 0 {
		return nil
	}
	conv := &converter{visiting: make(map[visitKey]struct{})}
	ev, err := conv.value(map[string]any(event), 0)
	if err != nil {
		return err
	}
	input := map[string]any{"event": ev}
	for _, r := range e.rules {
		out, _, err := r.prg.ContextEval(ctx, input)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return &RejectedError{Rule: r.expr, Err: err}
		}
		ok, isBool := out.Value().(bool)
		if !isBool {
			return &RejectedError{Rule: r.expr, Err: errors.New("result not bool")}
		}
		if !ok {
			return &RejectedError{Rule: r.expr}
		}
	}
	return nil
}

// maxDepth bounds event nesting seen by rules.
const maxDepth = 512

type visitKey struct {
	kind reflect.Kind
	ptr  uintptr
	len  int
}

// converter turns decoded event values into types the CEL adapter
// understands: json.Number becomes int64 or float64, and named map and
// slice types become plain ones. Cycles and excessive nesting are errors.
type converter struct {
	visiting map[visitKey]struct{}
}

func (c *converter) enter(kind reflect.Kind, ptr uintptr, n int) (func(), error) {
	if ptr == 0 {
		return func() {}, nil
	}
	k := visitKey{kind: kind, ptr: ptr, len: n}
	if _, ok := c.visiting[k]; ok {
		return nil, fmt.Errorf("%w: event contains a cycle", ErrUnsupportedEvent)
	}
	c.visiting[k] = struct{}{}
	return func() { delete(c.visiting, k) }, nil
}

func (c *converter) value(v any, depth int) (any, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: event nested deeper than %d", ErrUnsupportedEvent, maxDepth)
	}
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		if f, err := x.Float64(); err == nil {
			return f, nil
		}
		return x.String(), nil
	case proof.Event:
		return c.value(map[string]any(x), depth)
	case map[string]any:
		leave, err := c.enter(reflect.Map, reflect.ValueOf(x).Pointer(), len(x))
		if err != nil {
			return nil, err
		}
		defer leave()
		out := make(map[string]any, len(x))
		for k, val := range x {
			cv, err := c.value(val, depth+1)
			if err != nil {
				return nil, err
			}
			out[k] = cv
		}
		return out, nil
	case []any:
		leave, err := c.enter(reflect.Slice, reflect.ValueOf(x).Pointer(), len(x))
		if err != nil {
			return nil, err
		}
		defer leave()
		out := make([]any, len(x))
		for i, val := range x {
			cv, err := c.value(val, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = cv
		}
		return out, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint(), nil
	case reflect.Float32:
		return rv.Float(), nil
	}
	return v, nil
}
