package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultCodeAgentMentionsMarker(t *testing.T) {
	if !strings.Contains(Default().CodeAgent, TaskSummaryOpen) {
		t.Fatal("default code agent prompt must describe the task summary marker")
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	set, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if set != Default() {
		t.Fatal("expected defaults")
	}
}

func TestLoadOverridesNonEmptyEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	content := "title: |\n  Return a two word title.\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write prompts: %v", err)
	}

	set, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if set.Title != "Return a two word title.\n" {
		t.Errorf("expected overridden title, got %q", set.Title)
	}
	if set.Response != Default().Response || set.CodeAgent != Default().CodeAgent {
		t.Error("expected other prompts to keep their defaults")
	}
}

func TestLoadRejectsCodeAgentWithoutMarker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	if err := os.WriteFile(path, []byte("code_agent: just write code\n"), 0o644); err != nil {
		t.Fatalf("write prompts: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for prompt without marker")
	}
}
