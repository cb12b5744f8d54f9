// Package generate is the definition-driven document task. One Module wraps
// one task.Definition; the definition's optional sections decide which
// pipeline stages the module implements, so a bare definition runs the plain
// prompt-infer-integrate path while a full one carries validation and the
// critique/refine loop.
package generate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/kingrea/The-Kiln/internal/llm"
	"github.com/kingrea/The-Kiln/internal/stage"
	"github.com/kingrea/The-Kiln/internal/status"
	"github.com/kingrea/The-Kiln/internal/task"
)

// ModuleName is the registry name of the default generate module.
const ModuleName = "generate"

// Module executes one declarative definition.
type Module struct {
	def    task.Definition
	stages map[string]bool
}

// Register adds the default generate module to the registry.
func Register(reg *task.Registry) {
	if reg == nil {
		return
	}
	reg.MustRegister(ModuleName, func() (stage.Module, error) {
		return NewDefault(), nil
	})
}

// New builds a module for one definition. The caller is expected to have
// validated the definition already.
func New(def task.Definition) *Module {
	return &Module{def: def, stages: def.Stages()}
}

// NewDefault builds the stock generate module.
func NewDefault() *Module {
	return New(DefaultDefinition())
}

// DefaultDefinition is the stock document task: draft about the seeded
// topic, validate length and sentence count, refine on failure, file the
// result as an artifact.
func DefaultDefinition() task.Definition {
	return task.Definition{
		Name:         ModuleName,
		Description:  "Drafts a document about the seeded topic and files it as an artifact.",
		Prompt:       "Write a well-structured document about {topic}.",
		SystemPrompt: "You write clear, factual long-form documents.",
		CritiquePrompt: "The draft below failed validation. List the concrete revisions " +
			"that would fix it.\n\nDraft:\n{content}",
		RefinePrompt: "Turn this critique into concise revision notes for the next " +
			"draft.\n\nCritique:\n{critique}",
		Parse:     &task.ParseSpec{Format: "text"},
		Validate:  &task.ValidateSpec{MinLength: 80},
		Quality:   &task.QualitySpec{MinSentences: 3},
		Integrate: &task.IntegrateSpec{},
	}
}

// Name implements stage.Module.
func (m *Module) Name() string { return m.def.Name }

// Definition returns the wrapped definition.
func (m *Module) Definition() task.Definition { return m.def }

// ImplementsStage implements stage.Selective.
func (m *Module) ImplementsStage(name string) bool { return m.stages[name] }

// Ingest copies the seed input into the working data.
func (m *Module) Ingest(_ context.Context, sc *stage.Context) (stage.Result, error) {
	out := make(map[string]any, len(sc.Seed))
	for k, v := range sc.Seed {
		out[k] = v
	}
	sc.Logf("ingested %d seed fields", len(out))
	return stage.Result{Output: out}, nil
}

// PreProcess normalizes the topic, defaulting it to the task name.
func (m *Module) PreProcess(_ context.Context, sc *stage.Context) (stage.Result, error) {
	topic := strings.TrimSpace(stringValue(sc.Data["topic"]))
	if topic == "" {
		topic = sc.Task
		sc.Logf("no topic in seed, using task name %q", topic)
	}
	return stage.Result{Output: map[string]any{"topic": topic}}, nil
}

// TemplatePrompt expands the definition prompt against the working data.
// Revision notes from a refinement round are appended so the next draft
// sees them.
func (m *Module) TemplatePrompt(_ context.Context, sc *stage.Context) (stage.Result, error) {
	prompt, err := expandPrompt(m.def.Prompt, sc.Data, nil)
	if err != nil {
		return stage.Result{}, err
	}
	if notes := strings.TrimSpace(stringValue(sc.Data["revisionNotes"])); notes != "" {
		prompt += "\n\nApply these revision notes from the previous attempt:\n" + notes
		sc.Logf("prompt carries revision notes from a prior round")
	}
	return stage.Result{Output: map[string]any{"prompt": prompt}}, nil
}

// Infer sends the templated prompt to the model.
func (m *Module) Infer(ctx context.Context, sc *stage.Context) (stage.Result, error) {
	resp, err := m.chat(ctx, sc, stringValue(sc.Data["prompt"]))
	if err != nil {
		return stage.Result{}, err
	}
	sc.Logf("model %s returned %d characters (%s)", resp.Model, len(resp.Content), resp.FinishReason)
	return stage.Result{Output: map[string]any{"raw": resp.Content}}, nil
}

// Parse extracts the document body from the raw model output.
func (m *Module) Parse(_ context.Context, sc *stage.Context) (stage.Result, error) {
	raw := stringValue(sc.Data["raw"])
	if m.def.Parse == nil || m.def.Parse.Format == "text" {
		return stage.Result{Output: map[string]any{"content": strings.TrimSpace(raw)}}, nil
	}

	parsed, err := decodeJSONBlock(raw)
	if err != nil {
		return stage.Result{}, err
	}
	body, ok := parsed[m.def.Parse.Field]
	if !ok {
		return stage.Result{}, fmt.Errorf("generate: response JSON has no %q field", m.def.Parse.Field)
	}
	return stage.Result{Output: map[string]any{
		"content": strings.TrimSpace(stringValue(body)),
		"parsed":  parsed,
	}}, nil
}

// ValidateStructure enforces the definition's structural checks.
func (m *Module) ValidateStructure(_ context.Context, sc *stage.Context) (stage.Result, error) {
	spec := m.def.Validate
	content := stringValue(sc.Data["content"])

	if spec.MinLength > 0 && len(content) < spec.MinLength {
		return stage.Result{}, stage.NewValidationError(
			fmt.Sprintf("content is %d characters, need at least %d", len(content), spec.MinLength),
			map[string]any{"minLength": spec.MinLength, "actual": len(content)},
		)
	}
	if len(spec.Required) > 0 {
		parsed, _ := sc.Data["parsed"].(map[string]any)
		var missing []string
		for _, field := range spec.Required {
			if parsed == nil {
				missing = append(missing, field)
				continue
			}
			if v, ok := parsed[field]; !ok || stringValue(v) == "" {
				missing = append(missing, field)
			}
		}
		if len(missing) > 0 {
			return stage.Result{}, stage.NewValidationError(
				fmt.Sprintf("response is missing required fields: %s", strings.Join(missing, ", ")),
				map[string]any{"missing": missing},
			)
		}
	}
	return stage.Result{}, nil
}

// ValidateQuality enforces the definition's quality checks.
func (m *Module) ValidateQuality(_ context.Context, sc *stage.Context) (stage.Result, error) {
	spec := m.def.Quality
	content := stringValue(sc.Data["content"])
	lower := strings.ToLower(content)

	for _, phrase := range spec.Forbid {
		if phrase != "" && strings.Contains(lower, strings.ToLower(phrase)) {
			return stage.Result{}, stage.NewValidationError(
				fmt.Sprintf("content contains the forbidden phrase %q", phrase),
				map[string]any{"phrase": phrase},
			)
		}
	}
	if spec.MinSentences > 0 {
		if n := countSentences(content); n < spec.MinSentences {
			return stage.Result{}, stage.NewValidationError(
				fmt.Sprintf("content has %d sentences, need at least %d", n, spec.MinSentences),
				map[string]any{"minSentences": spec.MinSentences, "actual": n},
			)
		}
	}
	return stage.Result{}, nil
}

// Critique asks the model what went wrong. The guidance lands in the
// critique flag, which is what unlocks the refine stage.
func (m *Module) Critique(ctx context.Context, sc *stage.Context) (stage.Result, error) {
	prompt, err := expandPrompt(m.def.CritiquePrompt, sc.Data, nil)
	if err != nil {
		return stage.Result{}, err
	}
	if reason := validationFailureReason(sc.Flags); reason != "" {
		prompt += "\n\nThe validator reported: " + reason
	}

	resp, err := m.chat(ctx, sc, prompt)
	if err != nil {
		return stage.Result{}, err
	}
	guidance := strings.TrimSpace(resp.Content)
	if guidance == "" {
		sc.Logf("model produced no critique guidance")
		return stage.Result{}, nil
	}
	return stage.Result{Flags: map[string]any{stage.FlagCritique: guidance}}, nil
}

// Refine turns critique guidance into revision notes for the next round.
func (m *Module) Refine(ctx context.Context, sc *stage.Context) (stage.Result, error) {
	guidance, _ := sc.Flags.Get(stage.FlagCritique)
	prompt, err := expandPrompt(m.def.RefinePrompt, sc.Data, map[string]any{
		"critique": stringValue(guidance),
	})
	if err != nil {
		return stage.Result{}, err
	}

	resp, err := m.chat(ctx, sc, prompt)
	if err != nil {
		return stage.Result{}, err
	}
	return stage.Result{Output: map[string]any{"revisionNotes": strings.TrimSpace(resp.Content)}}, nil
}

// ValidateFinal rejects empty documents before integration.
func (m *Module) ValidateFinal(_ context.Context, sc *stage.Context) (stage.Result, error) {
	if strings.TrimSpace(stringValue(sc.Data["content"])) == "" {
		return stage.Result{}, errors.New("generate: final document is empty")
	}
	return stage.Result{}, nil
}

// Integrate files the document as an artifact and indexes it in the task's
// embedded database.
func (m *Module) Integrate(ctx context.Context, sc *stage.Context) (stage.Result, error) {
	if sc.IO == nil {
		return stage.Result{}, errors.New("generate: no artifact scope attached")
	}
	content := stringValue(sc.Data["content"])

	name := sc.Task + ".md"
	if m.def.Integrate != nil && m.def.Integrate.Artifact != "" {
		name = m.def.Integrate.Artifact
	}
	if _, err := sc.IO.WriteArtifact(name, []byte(content)); err != nil {
		return stage.Result{}, err
	}

	db, err := sc.IO.DB(ctx)
	if err != nil {
		return stage.Result{}, err
	}
	if _, err := db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS documents (
			name       TEXT PRIMARY KEY,
			chars      INTEGER NOT NULL,
			created_at TEXT NOT NULL
		)`); err != nil {
		return stage.Result{}, fmt.Errorf("generate: create documents table: %w", err)
	}
	if _, err := db.ExecContext(ctx,
		`INSERT OR REPLACE INTO documents (name, chars, created_at) VALUES (?, ?, ?)`,
		name, len(content), status.Timestamp(sc.Now())); err != nil {
		return stage.Result{}, fmt.Errorf("generate: index document: %w", err)
	}

	sc.Logf("filed %s (%d characters)", name, len(content))
	return stage.Result{Output: map[string]any{"artifact": name}}, nil
}

func (m *Module) chat(ctx context.Context, sc *stage.Context, prompt string) (llm.ChatResponse, error) {
	if sc.LLM == nil {
		return llm.ChatResponse{}, errors.New("generate: no llm client configured")
	}
	var messages []llm.Message
	if m.def.SystemPrompt != "" {
		messages = append(messages, llm.Message{Role: "system", Content: m.def.SystemPrompt})
	}
	messages = append(messages, llm.Message{Role: "user", Content: prompt})

	resp, err := sc.LLM.Chat(ctx, llm.ChatRequest{
		Model:       m.def.Model,
		Messages:    messages,
		Temperature: m.def.Temperature,
		MaxTokens:   m.def.MaxTokens,
	})
	if err != nil {
		return llm.ChatResponse{}, err
	}
	sc.RecordUsage(resp.Model, resp.Usage)
	return resp, nil
}

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// expandPrompt substitutes {key} placeholders from data, with extra taking
// precedence. Unresolved placeholders are a task authoring bug.
func expandPrompt(tmpl string, data, extra map[string]any) (string, error) {
	var missing []string
	out := placeholderPattern.ReplaceAllStringFunc(tmpl, func(m string) string {
		key := m[1 : len(m)-1]
		if v, ok := extra[key]; ok {
			return stringValue(v)
		}
		if v, ok := data[key]; ok {
			return stringValue(v)
		}
		missing = append(missing, key)
		return m
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("generate: prompt placeholders with no value: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// decodeJSONBlock parses a JSON object, tolerating a markdown code fence
// around it.
func decodeJSONBlock(raw string) (map[string]any, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			s = s[i+1:]
		}
		if j := strings.LastIndex(s, "```"); j >= 0 {
			s = s[:j]
		}
		s = strings.TrimSpace(s)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("generate: response is not a JSON object: %w", err)
	}
	return out, nil
}

func countSentences(s string) int {
	count := 0
	terminator := false
	for _, r := range s {
		switch r {
		case '.', '!', '?':
			if !terminator {
				count++
				terminator = true
			}
		default:
			terminator = false
		}
	}
	return count
}

func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}

func validationFailureReason(flags *stage.Flags) string {
	v, ok := flags.Get(stage.FlagLastValidationError)
	if !ok {
		return ""
	}
	info, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	return stringValue(info["message"])
}
