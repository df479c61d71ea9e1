package curator

import (
	"fmt"
	"strings"

	"reploid/pkg/cycle"
	"reploid/pkg/llm"
	"reploid/pkg/llm/llmerrors"
	"reploid/pkg/tools"
)

// Generator turns a plan response into an executable changeset. It
// implements cycle.ProposalGenerator. Native tool calls are the primary
// path; when a provider answers in prose instead, any embedded JSON
// changeset is recovered through repair. Entries calling tools that
// declare themselves read-only are marked parallel-safe.
type Generator struct {
	registry *tools.Registry
}

// NewGenerator creates a generator bound to the registry the dispatcher
// will execute against, so every proposed entry is resolvable before the
// operator ever sees it.
func NewGenerator(registry *tools.Registry) *Generator {
	return &Generator{registry: registry}
}

// FromPlan converts a plan response into a changeset. A prose response
// with no embedded JSON yields an empty changeset: the model judged the
// goal already met, and reflection will see its reasoning on the cycle
// context.
func (g *Generator) FromPlan(resp *llm.Response) (cycle.Changeset, error) {
	if resp == nil {
		return cycle.Changeset{}, fmt.Errorf("plan response is nil")
	}
	if resp.Kind() == llm.KindPlan {
		return g.fromToolCalls(resp.ToolCalls)
	}
	return g.fromFinalText(resp.Content)
}

func (g *Generator) fromToolCalls(calls []llm.ToolCall) (cycle.Changeset, error) {
	entries := make([]cycle.ChangeEntry, 0, len(calls))
	for _, call := range calls {
		entry, err := g.buildEntry(call.Name, call.Args, "")
		if err != nil {
			return cycle.Changeset{}, err
		}
		entries = append(entries, entry)
	}
	return cycle.Changeset{Entries: entries}, nil
}

// fromFinalText recovers a changeset from a prose plan. Accepted shapes,
// after JSON repair: a bare array of entries, an object with an "entries"
// array, or a single entry object.
func (g *Generator) fromFinalText(content string) (cycle.Changeset, error) {
	raw, ok := llm.ExtractJSON(content)
	if !ok {
		return cycle.Changeset{}, nil
	}

	var items []any
	switch {
	case strings.HasPrefix(strings.TrimSpace(raw), "["):
		decoded, err := llm.DecodeArray(raw)
		if err != nil {
			return cycle.Changeset{}, err
		}
		items = decoded
	default:
		obj, err := llm.DecodeObject(raw)
		if err != nil {
			return cycle.Changeset{}, err
		}
		switch {
		case obj["entries"] != nil:
			list, ok := obj["entries"].([]any)
			if !ok {
				return cycle.Changeset{}, llmerrors.New(llmerrors.TypeMalformed,
					"plan field \"entries\" is %T, expected an array", obj["entries"])
			}
			items = list
		case obj["tool"] != nil:
			items = []any{obj}
		default:
			// A JSON object that is not changeset-shaped is a judgment
			// response ("goal met", a status report), not a malformed
			// plan. Propose nothing and let the gate decide.
			return cycle.Changeset{}, nil
		}
	}

	entries := make([]cycle.ChangeEntry, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return cycle.Changeset{}, llmerrors.New(llmerrors.TypeMalformed,
				"plan entry %d is %T, expected an object", i, item)
		}
		name, _ := obj["tool"].(string)
		if name == "" {
			return cycle.Changeset{}, llmerrors.New(llmerrors.TypeMalformed,
				"plan entry %d has no tool name", i)
		}
		args, _ := obj["args"].(map[string]any)
		rationale, _ := obj["rationale"].(string)

		entry, err := g.buildEntry(name, args, rationale)
		if err != nil {
			return cycle.Changeset{}, err
		}
		entries = append(entries, entry)
	}
	return cycle.Changeset{Entries: entries}, nil
}

// buildEntry resolves the tool, normalizes its arguments against the
// declared schema, and marks parallel safety.
func (g *Generator) buildEntry(name string, args map[string]any, rationale string) (cycle.ChangeEntry, error) {
	tool, err := g.registry.Get(name)
	if err != nil {
		return cycle.ChangeEntry{}, fmt.Errorf("plan references unknown tool %q: %w", name, err)
	}
	normalized, err := normalizeArgs(tool.Definition(), args)
	if err != nil {
		return cycle.ChangeEntry{}, fmt.Errorf("plan entry for tool %q: %w", name, err)
	}
	return cycle.ChangeEntry{
		Tool:         name,
		Args:         normalized,
		Rationale:    rationale,
		ParallelSafe: tools.IsReadOnly(tool),
	}, nil
}

// normalizeArgs repairs the argument encodings models commonly get wrong:
// object- or array-typed parameters sent as JSON strings. Arguments whose
// declared type already matches pass through untouched; the dispatcher
// does the full schema validation at apply time.
func normalizeArgs(def tools.ToolDefinition, args map[string]any) (map[string]any, error) {
	if args == nil {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(args))
	for key, val := range args {
		prop, declared := def.InputSchema.Properties[key]
		str, isString := val.(string)
		if !declared || !isString {
			out[key] = val
			continue
		}
		switch prop.Type {
		case "object":
			decoded, err := llm.DecodeObject(str)
			if err != nil {
				return nil, llmerrors.New(llmerrors.TypeMalformed,
					"argument %q is a string that does not decode to an object", key)
			}
			out[key] = decoded
		case "array":
			decoded, err := llm.DecodeArray(str)
			if err != nil {
				return nil, llmerrors.New(llmerrors.TypeMalformed,
					"argument %q is a string that does not decode to an array", key)
			}
			out[key] = decoded
		default:
			out[key] = val
		}
	}
	return out, nil
}
