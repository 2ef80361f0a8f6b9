package responder

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultPrompts []byte

// PromptSet holds the rendered-template sources for the Gemini responder.
type PromptSet struct {
	chat   *template.Template
	report *template.Template
}

type promptFile struct {
	Chat   string `yaml:"chat"`
	Report string `yaml:"report"`
}

// LoadPrompts parses prompt templates from the file at path, falling back to
// the embedded defaults when path is empty or the file does not exist.
func LoadPrompts(path string) (*PromptSet, error) {
	data := defaultPrompts
	if path != "" {
		if b, err := os.ReadFile(path); err == nil {
			data = b
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read prompts file %s: %w", path, err)
		}
	}

	var pf promptFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse prompts: %w", err)
	}
	if pf.Chat == "" || pf.Report == "" {
		return nil, fmt.Errorf("prompts file must define both chat and report templates")
	}

	chat, err := template.New("chat").Parse(pf.Chat)
	if err != nil {
		return nil, fmt.Errorf("parse chat template: %w", err)
	}
	report, err := template.New("report").Parse(pf.Report)
	if err != nil {
		return nil, fmt.Errorf("parse report template: %w", err)
	}

	return &PromptSet{chat: chat, report: report}, nil
}

// Chat renders the chat prompt for a user question with an optional
// diagnosis context tag.
func (p *PromptSet) Chat(question, diagnosis string) (string, error) {
	var sb strings.Builder
	err := p.chat.Execute(&sb, struct {
		Question  string
		Diagnosis string
	}{question, diagnosis})
	if err != nil {
		return "", fmt.Errorf("render chat prompt: %w", err)
	}
	return sb.String(), nil
}

// Report renders the report prompt for a diagnosis and confidence percentage.
func (p *PromptSet) Report(diagnosis string, confidence float64) (string, error) {
	var sb strings.Builder
	err := p.report.Execute(&sb, struct {
		Diagnosis  string
		Confidence float64
	}{diagnosis, confidence})
	if err != nil {
		return "", fmt.Errorf("render report prompt: %w", err)
	}
	return sb.String(), nil
}
