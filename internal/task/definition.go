// internal/task/definition.go
//
// Declarative task definitions. A definition describes a prompt-driven
// document task; the optional sections decide which pipeline stages the
// resulting module implements.

package task

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/kingrea/The-Kiln/internal/pipeline"
	"github.com/kingrea/The-Kiln/internal/stage"
)

// ParseSpec configures the parsing stage.
type ParseSpec struct {
	// Format is "json" or "text".
	Format string `yaml:"format" json:"format"`
	// Field names the JSON member holding the document body. Required
	// for the json format.
	Field string `yaml:"field,omitempty" json:"field,omitempty"`
}

// ValidateSpec configures the structural validation stage.
type ValidateSpec struct {
	Required  []string `yaml:"required,omitempty" json:"required,omitempty"`
	MinLength int      `yaml:"minLength,omitempty" json:"minLength,omitempty"`
}

// QualitySpec configures the quality validation stage.
type QualitySpec struct {
	Forbid       []string `yaml:"forbid,omitempty" json:"forbid,omitempty"`
	MinSentences int      `yaml:"minSentences,omitempty" json:"minSentences,omitempty"`
}

// IntegrateSpec configures the integration stage.
type IntegrateSpec struct {
	// Artifact overrides the output file name. Defaults to
	// "<task>.md" when empty.
	Artifact string `yaml:"artifact,omitempty" json:"artifact,omitempty"`
}

// Definition is one declarative task module.
type Definition struct {
	Name         string  `yaml:"name" json:"name"`
	Description  string  `yaml:"description,omitempty" json:"description,omitempty"`
	Prompt       string  `yaml:"prompt" json:"prompt"`
	SystemPrompt string  `yaml:"systemPrompt,omitempty" json:"systemPrompt,omitempty"`
	Model        string  `yaml:"model,omitempty" json:"model,omitempty"`
	Temperature  float32 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	MaxTokens    int     `yaml:"maxTokens,omitempty" json:"maxTokens,omitempty"`

	CritiquePrompt string `yaml:"critiquePrompt,omitempty" json:"critiquePrompt,omitempty"`
	RefinePrompt   string `yaml:"refinePrompt,omitempty" json:"refinePrompt,omitempty"`

	Parse     *ParseSpec     `yaml:"parse,omitempty" json:"parse,omitempty"`
	Validate  *ValidateSpec  `yaml:"validate,omitempty" json:"validate,omitempty"`
	Quality   *QualitySpec   `yaml:"quality,omitempty" json:"quality,omitempty"`
	Integrate *IntegrateSpec `yaml:"integrate,omitempty" json:"integrate,omitempty"`
}

// Check collects every structural problem in the definition.
func (d Definition) Check() []error {
	var errs []error
	if d.Name == "" {
		errs = append(errs, errors.New("name is required"))
	} else if !pipeline.ValidTaskName(d.Name) {
		errs = append(errs, fmt.Errorf("name %q may only contain letters, digits, '_' and '-'", d.Name))
	}
	if d.Prompt == "" {
		errs = append(errs, errors.New("prompt is required"))
	}
	if d.Temperature < 0 || d.Temperature > 2 {
		errs = append(errs, fmt.Errorf("temperature %v is outside [0, 2]", d.Temperature))
	}
	if d.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("maxTokens %d is negative", d.MaxTokens))
	}
	if d.Parse != nil {
		switch d.Parse.Format {
		case "json":
			if d.Parse.Field == "" {
				errs = append(errs, errors.New("parse.field is required for the json format"))
			}
		case "text":
		default:
			errs = append(errs, fmt.Errorf("parse.format %q is not json or text", d.Parse.Format))
		}
	}
	if d.Validate != nil && d.Validate.MinLength < 0 {
		errs = append(errs, fmt.Errorf("validate.minLength %d is negative", d.Validate.MinLength))
	}
	if d.Quality != nil && d.Quality.MinSentences < 0 {
		errs = append(errs, fmt.Errorf("quality.minSentences %d is negative", d.Quality.MinSentences))
	}
	if d.RefinePrompt != "" && d.CritiquePrompt == "" {
		errs = append(errs, errors.New("refinePrompt requires critiquePrompt"))
	}
	return errs
}

// Stages returns the stage set this definition implements. The core
// generation path is always present; the optional sections switch on the
// rest.
func (d Definition) Stages() map[string]bool {
	stages := map[string]bool{
		stage.StageIngestion:        true,
		stage.StagePreProcessing:    true,
		stage.StagePromptTemplating: true,
		stage.StageInference:        true,
		stage.StageFinalValidation:  true,
		stage.StageIntegration:      true,
	}
	if d.Parse != nil {
		stages[stage.StageParsing] = true
	}
	if d.Validate != nil {
		stages[stage.StageValidateStructure] = true
	}
	if d.Quality != nil {
		stages[stage.StageValidateQuality] = true
	}
	if d.CritiquePrompt != "" {
		stages[stage.StageCritique] = true
	}
	if d.RefinePrompt != "" {
		stages[stage.StageRefine] = true
	}
	return stages
}

// ParseDefinition decodes and validates one YAML definition document.
func ParseDefinition(data []byte) (Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("task: decode definition: %w", err)
	}
	if errs := def.Check(); len(errs) > 0 {
		return Definition{}, fmt.Errorf("task: invalid definition %q: %w", def.Name, errors.Join(errs...))
	}
	return def, nil
}

// DefinitionFromMap converts a dynamically built value, such as one
// returned by a Go plugin, into a validated Definition via a YAML
// round-trip.
func DefinitionFromMap(raw any) (Definition, error) {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return Definition{}, fmt.Errorf("task: encode raw definition: %w", err)
	}
	return ParseDefinition(data)
}
