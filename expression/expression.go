package expression

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/traits"
	"github.com/google/cel-go/ext"

	"github.com/glimte/procflow/contracts"
)

const (
	prefix = "#["
	suffix = "]"

	defaultTimeout = 5 * time.Second
)

// ErrNotExpression is returned when a string is not wrapped in #[...]
var ErrNotExpression = errors.New("not an expression")

// variables available to every expression
var variables = []string{"payload", "attributes", "vars", "correlationId", "id", "mediaType"}

// Error reports a failure to compile or evaluate an expression
type Error struct {
	Expression string
	Cause      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("expression %s%s%s: %v", prefix, e.Expression, suffix, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// ErrorType classifies expression failures
func (e *Error) ErrorType() contracts.ErrorType {
	return contracts.ErrorTypeExpression
}

// IsExpression reports whether s is wrapped in #[...]
func IsExpression(s string) bool {
	_, ok := Unwrap(s)
	return ok
}

// Unwrap returns the body of a #[...] string
func Unwrap(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, prefix) || !strings.HasSuffix(s, suffix) {
		return "", false
	}
	return strings.TrimSpace(s[len(prefix) : len(s)-len(suffix)]), true
}

// Option configures a Manager
type Option func(*Manager)

// WithTimeout bounds a single evaluation
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.timeout = d
	}
}

// Manager compiles and evaluates #[...] expressions against events.
// Compiled programs are cached by expression body.
type Manager struct {
	env      *cel.Env
	timeout  time.Duration
	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewManager creates an expression manager
func NewManager(opts ...Option) (*Manager, error) {
	declarations := make([]cel.EnvOption, 0, len(variables)+3)
	for _, name := range variables {
		declarations = append(declarations, cel.Variable(name, cel.DynType))
	}
	declarations = append(declarations, ext.Strings(), ext.Encoders(), ext.Math())

	env, err := cel.NewEnv(declarations...)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}

	m := &Manager{
		env:      env,
		timeout:  defaultTimeout,
		programs: make(map[string]cel.Program),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Validate compiles expr, which must be wrapped in #[...]
func (m *Manager) Validate(expr string) error {
	body, ok := Unwrap(expr)
	if !ok {
		return &Error{Expression: expr, Cause: ErrNotExpression}
	}
	_, err := m.program(body)
	return err
}

// Evaluate resolves value against event. Strings not wrapped in #[...] are
// returned unchanged.
func (m *Manager) Evaluate(ctx context.Context, value string, event *contracts.Event) (interface{}, error) {
	body, ok := Unwrap(value)
	if !ok {
		return value, nil
	}
	return m.eval(ctx, body, Bindings(event))
}

// EvaluateString resolves value and formats the result as a string
func (m *Manager) EvaluateString(ctx context.Context, value string, event *contracts.Event) (string, error) {
	v, err := m.Evaluate(ctx, value, event)
	if err != nil {
		return "", err
	}
	switch s := v.(type) {
	case nil:
		return "", nil
	case string:
		return s, nil
	case []byte:
		return string(s), nil
	default:
		return fmt.Sprint(s), nil
	}
}

// EvaluateBool resolves value and requires a boolean result
func (m *Manager) EvaluateBool(ctx context.Context, value string, event *contracts.Event) (bool, error) {
	v, err := m.Evaluate(ctx, value, event)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, &Error{Expression: value, Cause: fmt.Errorf("result %T is not a bool", v)}
	}
	return b, nil
}

func (m *Manager) program(body string) (cel.Program, error) {
	m.mu.RLock()
	prg, ok := m.programs[body]
	m.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := m.env.Compile(body)
	if issues != nil && issues.Err() != nil {
		return nil, &Error{Expression: body, Cause: fmt.Errorf("cel compile: %w", issues.Err())}
	}
	prg, err := m.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, &Error{Expression: body, Cause: fmt.Errorf("cel program: %w", err)}
	}

	m.mu.Lock()
	m.programs[body] = prg
	m.mu.Unlock()
	return prg, nil
}

func (m *Manager) eval(ctx context.Context, body string, activation map[string]interface{}) (interface{}, error) {
	prg, err := m.program(body)
	if err != nil {
		return nil, err
	}

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	out, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return nil, &Error{Expression: body, Cause: fmt.Errorf("cel eval: %w", err)}
	}
	return toNative(out), nil
}

// Bindings returns the variables an expression sees for event
func Bindings(event *contracts.Event) map[string]interface{} {
	activation := make(map[string]interface{}, len(variables))
	for _, name := range variables {
		activation[name] = nil
	}
	if event == nil {
		return activation
	}
	msg := event.Message()
	attrs := make(map[string]interface{}, len(msg.Attributes))
	for k, v := range msg.Attributes {
		attrs[k] = normalize(v)
	}
	vars := event.Variables()
	for k, v := range vars {
		vars[k] = normalize(v)
	}
	activation["payload"] = normalize(msg.Payload)
	activation["attributes"] = attrs
	activation["vars"] = vars
	activation["correlationId"] = event.CorrelationID()
	activation["id"] = event.ID()
	activation["mediaType"] = msg.MediaType
	return activation
}

// normalize converts values CEL cannot adapt (structs, typed maps) through
// their JSON form
func normalize(v interface{}) interface{} {
	switch v.(type) {
	case nil, string, []byte, bool, int, int32, int64, uint, uint32, uint64, float32, float64,
		map[string]interface{}, []interface{}, []string, map[string]string, time.Time, time.Duration:
		return v
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

// toNative recursively converts CEL values to plain Go values
func toNative(val interface{}) interface{} {
	switch v := val.(type) {
	case traits.Mapper:
		it := v.Iterator()
		m := make(map[string]interface{})
		for it.HasNext() == types.True {
			key := it.Next()
			m[fmt.Sprint(key.Value())] = toNative(v.Get(key))
		}
		return m
	case traits.Lister:
		it := v.Iterator()
		list := make([]interface{}, 0)
		for it.HasNext() == types.True {
			list = append(list, toNative(it.Next()))
		}
		return list
	case types.Int:
		return int64(v)
	case types.Uint:
		return uint64(v)
	case types.Double:
		return float64(v)
	case types.String:
		return string(v)
	case types.Bool:
		return bool(v)
	case types.Bytes:
		return []byte(v)
	case types.Null:
		return nil
	case interface{ Value() interface{} }:
		return v.Value()
	default:
		return val
	}
}
