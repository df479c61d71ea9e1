package tools

import (
	"context"
	"strings"
	"testing"
)

const wordCountManifest = `
name: word_count
description: Count words in a text
runtime: python3
schema:
  type: object
  properties:
    text:
      type: string
      description: Text to count
  required:
    - text
source: |
  import json, sys
  args = json.load(sys.stdin)
  print(json.dumps({"words": len(args["text"].split())}))
`

// recordingRunner captures Run invocations without executing anything.
type recordingRunner struct {
	result   map[string]any
	lastSpec DynamicSpec
	lastArgs map[string]any
	calls    int
}

func (r *recordingRunner) Run(_ context.Context, spec DynamicSpec, args map[string]any) (map[string]any, error) {
	r.calls++
	r.lastSpec = spec
	r.lastArgs = args
	return r.result, nil
}

func TestParseManifest(t *testing.T) {
	spec, err := ParseManifest([]byte(wordCountManifest))
	if err != nil {
		t.Fatalf("ParseManifest failed: %v", err)
	}

	if spec.Name != "word_count" {
		t.Errorf("expected word_count, got %s", spec.Name)
	}
	if spec.Runtime != "python3" {
		t.Errorf("expected python3 runtime, got %s", spec.Runtime)
	}
	if spec.Schema.Type != "object" {
		t.Errorf("expected object schema, got %s", spec.Schema.Type)
	}
	if prop, ok := spec.Schema.Properties["text"]; !ok || prop.Type != "string" {
		t.Errorf("text property not parsed: %v", spec.Schema.Properties)
	}
	if len(spec.Schema.Required) != 1 || spec.Schema.Required[0] != "text" {
		t.Errorf("required list not parsed: %v", spec.Schema.Required)
	}
	if !strings.Contains(spec.Source, "json.load") {
		t.Errorf("source not parsed: %q", spec.Source)
	}
}

func TestParseManifestRejectsInvalid(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
	}{
		{name: "not yaml", manifest: "{{{"},
		{name: "missing name", manifest: "description: x\nruntime: sh\nsource: echo"},
		{name: "uppercase name", manifest: "name: WordCount\ndescription: x\nruntime: sh\nsource: echo"},
		{name: "hyphenated name", manifest: "name: word-count\ndescription: x\nruntime: sh\nsource: echo"},
		{name: "missing description", manifest: "name: t\nruntime: sh\nsource: echo"},
		{name: "missing runtime", manifest: "name: t\ndescription: x\nsource: echo"},
		{name: "missing source", manifest: "name: t\ndescription: x\nruntime: sh"},
		{name: "whitespace source", manifest: "name: t\ndescription: x\nruntime: sh\nsource: \"  \""},
		{name: "non-object schema", manifest: "name: t\ndescription: x\nruntime: sh\nsource: echo\nschema:\n  type: array"},
		{name: "undeclared required", manifest: "name: t\ndescription: x\nruntime: sh\nsource: echo\nschema:\n  type: object\n  required: [ghost]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseManifest([]byte(tt.manifest)); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}

func TestInstallManifestAndDispatch(t *testing.T) {
	registry := NewRegistry()
	runner := &recordingRunner{result: map[string]any{"words": 3}}

	tool, err := InstallManifest(registry, []byte(wordCountManifest), runner)
	if err != nil {
		t.Fatalf("InstallManifest failed: %v", err)
	}
	if tool.Name() != "word_count" {
		t.Errorf("unexpected tool name %s", tool.Name())
	}

	d := NewDispatcher(registry, nil, nil)
	result, err := d.Dispatch(context.Background(), "word_count", map[string]any{"text": "one two three"})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if result["words"] != 3 {
		t.Errorf("unexpected result: %v", result)
	}
	if runner.calls != 1 {
		t.Errorf("expected 1 runner call, got %d", runner.calls)
	}
	if runner.lastSpec.Name != "word_count" || runner.lastArgs["text"] != "one two three" {
		t.Errorf("runner received wrong invocation: %+v %+v", runner.lastSpec, runner.lastArgs)
	}
}

func TestDynamicToolValidatesBeforeRunner(t *testing.T) {
	registry := NewRegistry()
	runner := &recordingRunner{result: map[string]any{}}

	if _, err := InstallManifest(registry, []byte(wordCountManifest), runner); err != nil {
		t.Fatalf("InstallManifest failed: %v", err)
	}

	d := NewDispatcher(registry, nil, nil)
	_, err := d.Dispatch(context.Background(), "word_count", map[string]any{"text": 42})
	if !IsKind(err, KindInvalidArgs) {
		t.Fatalf("expected KindInvalidArgs, got %v", err)
	}
	if runner.calls != 0 {
		t.Errorf("runner invoked despite invalid args")
	}
}

func TestDynamicToolRequiresRunner(t *testing.T) {
	spec, err := ParseManifest([]byte(wordCountManifest))
	if err != nil {
		t.Fatalf("ParseManifest failed: %v", err)
	}
	if _, err := NewDynamicTool(spec, nil); err == nil {
		t.Error("expected error constructing tool without a runner")
	}
}

func TestDynamicToolDocumentation(t *testing.T) {
	spec, err := ParseManifest([]byte(wordCountManifest))
	if err != nil {
		t.Fatalf("ParseManifest failed: %v", err)
	}
	tool, err := NewDynamicTool(spec, &recordingRunner{})
	if err != nil {
		t.Fatalf("NewDynamicTool failed: %v", err)
	}

	def := tool.Definition()
	if def.Name != "word_count" || def.InputSchema.Properties["text"].Type != "string" {
		t.Errorf("definition does not surface the schema: %+v", def)
	}

	doc := tool.PromptDocumentation()
	if !strings.Contains(doc, "**word_count**") {
		t.Errorf("documentation missing tool name: %q", doc)
	}
	if !strings.Contains(doc, "text (string, REQUIRED)") {
		t.Errorf("documentation missing parameter: %q", doc)
	}
}

func TestInstallManifestReplaces(t *testing.T) {
	registry := NewRegistry()

	first := &recordingRunner{result: map[string]any{"gen": 1}}
	second := &recordingRunner{result: map[string]any{"gen": 2}}

	if _, err := InstallManifest(registry, []byte(wordCountManifest), first); err != nil {
		t.Fatalf("first install failed: %v", err)
	}
	if _, err := InstallManifest(registry, []byte(wordCountManifest), second); err != nil {
		t.Fatalf("reinstall failed: %v", err)
	}

	d := NewDispatcher(registry, nil, nil)
	result, err := d.Dispatch(context.Background(), "word_count", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if result["gen"] != 2 {
		t.Errorf("reinstall did not supersede: %v", result)
	}
	if first.calls != 0 || second.calls != 1 {
		t.Errorf("wrong runner invoked: first=%d second=%d", first.calls, second.calls)
	}
}
