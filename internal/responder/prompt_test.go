package responder

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadPrompts_Embedded(t *testing.T) {
	p, err := LoadPrompts("")
	if err != nil {
		t.Fatalf("LoadPrompts: %v", err)
	}

	chat, err := p.Chat("What is a glioma?", "glioma")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if !strings.Contains(chat, "What is a glioma?") {
		t.Errorf("chat prompt missing question: %q", chat)
	}
	if !strings.Contains(chat, `"glioma"`) {
		t.Errorf("chat prompt missing diagnosis context: %q", chat)
	}
}

func TestLoadPrompts_NoDiagnosisOmitsContext(t *testing.T) {
	p, err := LoadPrompts("")
	if err != nil {
		t.Fatalf("LoadPrompts: %v", err)
	}
	chat, err := p.Chat("hello", "")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if strings.Contains(chat, "diagnosis prediction") {
		t.Errorf("chat prompt should omit diagnosis block: %q", chat)
	}
}

func TestLoadPrompts_ReportIncludesConfidence(t *testing.T) {
	p, err := LoadPrompts("")
	if err != nil {
		t.Fatalf("LoadPrompts: %v", err)
	}
	report, err := p.Report("meningioma", 97.25)
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if !strings.Contains(report, "meningioma") {
		t.Errorf("report missing diagnosis: %q", report)
	}
	if !strings.Contains(report, "97.2%") {
		t.Errorf("report missing confidence: %q", report)
	}
}

func TestLoadPrompts_FileOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	override := "chat: |\n  custom {{.Question}}\nreport: |\n  custom {{.Diagnosis}}\n"
	if err := os.WriteFile(path, []byte(override), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := LoadPrompts(path)
	if err != nil {
		t.Fatalf("LoadPrompts: %v", err)
	}
	chat, err := p.Chat("hi", "")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if !strings.Contains(chat, "custom hi") {
		t.Errorf("override not applied: %q", chat)
	}
}

func TestLoadPrompts_MissingFileFallsBack(t *testing.T) {
	p, err := LoadPrompts(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadPrompts: %v", err)
	}
	if p == nil {
		t.Fatal("expected embedded prompts")
	}
}

func TestLoadPrompts_RejectsIncomplete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	if err := os.WriteFile(path, []byte("chat: only chat\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadPrompts(path); err == nil {
		t.Fatal("expected error for prompts file missing report template")
	}
}
