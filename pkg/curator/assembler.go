package curator

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"

	"reploid/pkg/artifact"
	"reploid/pkg/cycle"
	"reploid/pkg/llm"
	"reploid/pkg/tools"
)

//go:embed templates/*.tpl.md
var templateFS embed.FS

// templateFiles maps each template name the orchestrator may request to
// its embedded source.
var templateFiles = map[string]string{
	cycle.TemplatePlan: "templates/plan.tpl.md",
}

const systemTemplateFile = "templates/system.tpl.md"

// Assembler renders embedded prompt templates into provider-ready request
// specs. It implements cycle.PromptAssembler. Assembly is deterministic
// for a given registry state: the same template, selection, and goal
// always produce the same request.
type Assembler struct {
	templates   map[string]*template.Template
	system      *template.Template
	registry    *tools.Registry
	model       string
	maxTokens   int
	temperature float32
}

// NewAssembler parses the embedded templates and binds the assembler to
// a tool registry. The registry is consulted at assembly time, so tools
// installed mid-run appear in the next plan prompt.
func NewAssembler(registry *tools.Registry, model string, maxTokens int, temperature float32) (*Assembler, error) {
	if registry == nil {
		return nil, fmt.Errorf("assembler requires a tool registry")
	}
	if model == "" {
		return nil, fmt.Errorf("assembler requires a model name")
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	parsed := make(map[string]*template.Template, len(templateFiles))
	for name, file := range templateFiles {
		content, err := templateFS.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read template %s: %w", file, err)
		}
		tmpl, err := template.New(name).Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", file, err)
		}
		parsed[name] = tmpl
	}

	sysContent, err := templateFS.ReadFile(systemTemplateFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read system template: %w", err)
	}
	sysTmpl, err := template.New("system").Parse(string(sysContent))
	if err != nil {
		return nil, fmt.Errorf("failed to parse system template: %w", err)
	}

	return &Assembler{
		templates:   parsed,
		system:      sysTmpl,
		registry:    registry,
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
	}, nil
}

// planData feeds the plan template.
type planData struct {
	Goal      string
	Rationale string
	Artifacts []artifact.Artifact
}

// systemData feeds the system template.
type systemData struct {
	ToolDocumentation string
}

// Assemble renders the named template with the curated selection and
// goal into a request spec carrying the current tool definitions.
func (a *Assembler) Assemble(templateName string, selected cycle.SelectedContext, goal string) (llm.RequestSpec, error) {
	tmpl, ok := a.templates[templateName]
	if !ok {
		return llm.RequestSpec{}, fmt.Errorf("unknown prompt template %q", templateName)
	}

	var sysBuf bytes.Buffer
	if err := a.system.Execute(&sysBuf, systemData{
		ToolDocumentation: a.registry.PromptDocumentation(),
	}); err != nil {
		return llm.RequestSpec{}, fmt.Errorf("failed to render system prompt: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, planData{
		Goal:      goal,
		Rationale: selected.Rationale,
		Artifacts: selected.Artifacts,
	}); err != nil {
		return llm.RequestSpec{}, fmt.Errorf("failed to render template %q: %w", templateName, err)
	}

	return llm.RequestSpec{
		Model:       a.model,
		System:      sysBuf.String(),
		Messages:    []llm.Message{llm.NewUserMessage(buf.String())},
		Tools:       a.registry.Definitions(),
		MaxTokens:   a.maxTokens,
		Temperature: a.temperature,
	}, nil
}
