// Package expressions evaluates user-defined boolean expressions against
// event and subject data.  We use cel-go as the runtime: computationally
// bounded, non-turing complete, with a familiar c-like syntax.  Compiled
// programs are cached globally, as the same workflow conditions and goal
// criteria are evaluated for every enrolled subject.
package expressions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/karlseguin/ccache/v2"
	"github.com/pkg/errors"
)

var (
	CacheExtendTime = 10 * time.Minute
	CacheTTL        = 30 * time.Minute

	ErrNoResult = errors.New("expression did not return true or false")
)

var (
	// cache is a global cache of precompiled expressions.
	cache *ccache.Cache
)

func init() {
	cache = ccache.New(ccache.Configure().MaxSize(10_000))
}

// Data is the input to an expression.  Each root is addressable from the
// expression, eg. `event.data.tags.exists(t, t == "vip")` or
// `subject.lifecycle_stage == "customer"`.
type Data struct {
	Event   map[string]any
	Subject map[string]any
	Context map[string]any
}

func (d Data) activation() map[string]any {
	act := map[string]any{
		"event":   map[string]any{},
		"subject": map[string]any{},
		"context": map[string]any{},
	}
	if d.Event != nil {
		act["event"] = d.Event
	}
	if d.Subject != nil {
		act["subject"] = d.Subject
	}
	if d.Context != nil {
		act["context"] = d.Context
	}
	return act
}

// Evaluable is a cacheable, goroutine safe evaluator for a single compiled
// expression.
type Evaluable interface {
	// Evaluate tests the given data against the expression.
	Evaluate(ctx context.Context, data Data) (bool, error)
}

// Evaluate compiles (or fetches from cache) the expression and evaluates it
// against the given data immediately.
func Evaluate(ctx context.Context, expression string, data Data) (bool, error) {
	eval, err := NewEvaluator(ctx, expression)
	if err != nil {
		return false, err
	}
	return eval.Evaluate(ctx, data)
}

// Validate compiles the expression, returning any compilation error.  Used
// when validating workflow definitions ahead of execution.
func Validate(ctx context.Context, expression string) error {
	_, err := NewEvaluator(ctx, expression)
	return err
}

// NewEvaluator returns an Evaluable for the given expression, from cache
// when previously compiled.
func NewEvaluator(ctx context.Context, expression string) (Evaluable, error) {
	key := sum(expression)
	if item := cache.Get(key); item != nil {
		item.Extend(CacheExtendTime)
		return item.Value().(*evaluator), nil
	}

	env, err := newEnv()
	if err != nil {
		return nil, err
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("error compiling expression: %w", issues.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("error building expression program: %w", err)
	}

	eval := &evaluator{prg: prg, expression: expression}
	cache.Set(key, eval, CacheTTL)
	return eval, nil
}

func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("event", cel.DynType),
		cel.Variable("subject", cel.DynType),
		cel.Variable("context", cel.DynType),
	)
}

type evaluator struct {
	prg        cel.Program
	expression string
}

func (e *evaluator) Evaluate(ctx context.Context, data Data) (bool, error) {
	out, _, err := e.prg.ContextEval(ctx, data.activation())
	if err != nil {
		return false, errors.Wrapf(err, "error evaluating expression %q", e.expression)
	}
	if out.Type() != types.BoolType {
		return false, ErrNoResult
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, ErrNoResult
	}
	return result, nil
}

func sum(expression string) string {
	h := sha256.Sum256([]byte(expression))
	return hex.EncodeToString(h[:])
}
