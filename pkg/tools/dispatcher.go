package tools

import (
	"context"
	"time"

	"reploid/pkg/logx"
	"reploid/pkg/metrics"
)

// Dispatcher validates tool calls against their declared schema and
// executes them. A panicking tool is contained and reported as an
// execution failure rather than taking down the cycle.
type Dispatcher struct {
	registry *Registry
	recorder metrics.Recorder
	logger   *logx.Logger
}

// NewDispatcher creates a dispatcher over the given registry. A nil
// recorder disables metrics.
func NewDispatcher(registry *Registry, recorder metrics.Recorder, logger *logx.Logger) *Dispatcher {
	if recorder == nil {
		recorder = metrics.Nop()
	}
	if logger == nil {
		logger = logx.NewLogger("tools")
	}
	return &Dispatcher{
		registry: registry,
		recorder: recorder,
		logger:   logger,
	}
}

// Dispatch looks up the named tool, validates args against its declared
// schema, and executes it. Failures are classified: unknown name, invalid
// arguments, or execution failure.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, args map[string]any) (result map[string]any, err error) {
	start := time.Now()
	defer func() {
		d.recorder.ObserveToolDispatch(name, err == nil, time.Since(start))
	}()

	tool, err := d.registry.Get(name)
	if err != nil {
		d.logger.Warn("dispatch of unknown tool %q", name)
		return nil, err
	}

	if err = validateArgs(tool.Definition(), args); err != nil {
		d.logger.Warn("invalid arguments for tool %q: %v", name, err)
		return nil, err
	}

	// Contain panics from tool implementations.
	func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("tool %q panicked: %v", name, r)
				result = nil
				err = NewError(KindExecutionFailed, name, "tool panicked: %v", r)
			}
		}()
		result, err = tool.Exec(ctx, args)
	}()

	if err != nil {
		if IsKind(err, KindExecutionFailed) || IsKind(err, KindInvalidArgs) || IsKind(err, KindNotFound) {
			return nil, err
		}
		return nil, WrapError(KindExecutionFailed, name, err, "tool execution failed")
	}
	return result, nil
}

// validateArgs checks required keys and primitive argument types against
// the declared schema. Object and array internals are left to the tool.
func validateArgs(def ToolDefinition, args map[string]any) error {
	for _, required := range def.InputSchema.Required {
		if _, ok := args[required]; !ok {
			return NewError(KindInvalidArgs, def.Name, "missing required argument %q", required)
		}
	}

	for key, value := range args {
		prop, declared := def.InputSchema.Properties[key]
		if !declared {
			return NewError(KindInvalidArgs, def.Name, "unexpected argument %q", key)
		}
		if value == nil {
			continue
		}
		if err := checkPrimitiveType(def.Name, key, prop.Type, value); err != nil {
			return err
		}
	}
	return nil
}

// checkPrimitiveType verifies a value matches its declared primitive type.
// JSON numbers arrive as float64, so integer checks accept whole floats.
func checkPrimitiveType(tool, key, declared string, value any) error {
	switch declared {
	case "string":
		if _, ok := value.(string); !ok {
			return NewError(KindInvalidArgs, tool, "argument %q must be a string", key)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return NewError(KindInvalidArgs, tool, "argument %q must be a boolean", key)
		}
	case "number":
		switch value.(type) {
		case float64, float32, int, int32, int64:
		default:
			return NewError(KindInvalidArgs, tool, "argument %q must be a number", key)
		}
	case "integer":
		switch v := value.(type) {
		case int, int32, int64:
		case float64:
			if v != float64(int64(v)) {
				return NewError(KindInvalidArgs, tool, "argument %q must be an integer", key)
			}
		default:
			return NewError(KindInvalidArgs, tool, "argument %q must be an integer", key)
		}
	case "array":
		if _, ok := value.([]any); !ok {
			return NewError(KindInvalidArgs, tool, "argument %q must be an array", key)
		}
	case "object":
		if _, ok := value.(map[string]any); !ok {
			return NewError(KindInvalidArgs, tool, "argument %q must be an object", key)
		}
	}
	return nil
}
