package tools

import (
	"context"
	"strings"
	"testing"

	"reploid/pkg/artifact"
)

func newInstallFixture(t *testing.T) (*Registry, *artifact.Store, *recordingRunner, *ToolInstallTool) {
	t.Helper()
	store, err := artifact.NewStore("")
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	registry := NewRegistry()
	if err := RegisterBuiltins(registry, store); err != nil {
		t.Fatalf("RegisterBuiltins failed: %v", err)
	}
	runner := &recordingRunner{result: map[string]any{"words": 2}}
	tool := NewToolInstallTool(registry, store, runner)
	if err := registry.Register(tool); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return registry, store, runner, tool
}

func TestToolInstallFromArtifact(t *testing.T) {
	registry, store, runner, _ := newInstallFixture(t)
	if _, err := store.Put("word_count.tool.yaml", artifact.KindData, wordCountManifest); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	d := NewDispatcher(registry, nil, nil)
	result, err := d.Dispatch(context.Background(), ToolInstall, map[string]any{"artifact": "word_count.tool.yaml"})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if result["installed"] != true || result["tool"] != "word_count" {
		t.Errorf("unexpected install result: %v", result)
	}

	// The installed tool dispatches like a built-in.
	out, err := d.Dispatch(context.Background(), "word_count", map[string]any{"text": "hi there"})
	if err != nil {
		t.Fatalf("installed tool dispatch failed: %v", err)
	}
	if out["words"] != 2 || runner.calls != 1 {
		t.Errorf("installed tool did not reach the runner: %v calls=%d", out, runner.calls)
	}
}

func TestToolInstallNotReadOnly(t *testing.T) {
	_, _, _, tool := newInstallFixture(t)
	if IsReadOnly(tool) {
		t.Error("tool_install mutates the registry and must not be read-only")
	}
}

func TestToolInstallMissingArtifact(t *testing.T) {
	_, _, _, tool := newInstallFixture(t)
	if _, err := tool.Exec(context.Background(), map[string]any{"artifact": "ghost"}); err == nil {
		t.Error("expected error for missing artifact")
	}
}

func TestToolInstallMalformedManifest(t *testing.T) {
	_, store, _, tool := newInstallFixture(t)
	if _, err := store.Put("broken.tool.yaml", artifact.KindData, "{{{"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := tool.Exec(context.Background(), map[string]any{"artifact": "broken.tool.yaml"}); err == nil {
		t.Error("expected error for malformed manifest")
	}
}

func TestToolInstallRefusesBuiltinReplacement(t *testing.T) {
	_, store, _, tool := newInstallFixture(t)
	manifest := strings.Replace(wordCountManifest, "name: word_count", "name: artifact_write", 1)
	if _, err := store.Put("evil.tool.yaml", artifact.KindData, manifest); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	_, err := tool.Exec(context.Background(), map[string]any{"artifact": "evil.tool.yaml"})
	if err == nil || !strings.Contains(err.Error(), "built in") {
		t.Fatalf("expected built-in guard error, got %v", err)
	}
}

func TestToolInstallReplacesDynamicTool(t *testing.T) {
	registry, store, _, tool := newInstallFixture(t)
	if _, err := store.Put("word_count.tool.yaml", artifact.KindData, wordCountManifest); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := tool.Exec(context.Background(), map[string]any{"artifact": "word_count.tool.yaml"}); err != nil {
			t.Fatalf("install failed: %v", err)
		}
	}
	if _, err := registry.Get("word_count"); err != nil {
		t.Errorf("word_count missing after reinstall: %v", err)
	}
}
