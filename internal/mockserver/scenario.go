package mockserver

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mpataki/autodev/internal/models"
)

// Scenario describes how a mock execution progresses: the status it moves
// through, the stream payload emitted at each step, and how it ends.
type Scenario struct {
	StepDelay    time.Duration          `yaml:"step_delay"`
	Steps        []Step                 `yaml:"steps"`
	Outcome      models.ExecutionStatus `yaml:"outcome"`
	FinalMessage string                 `yaml:"final_message"`
	Summary      string                 `yaml:"summary"`
	ErrorMessage string                 `yaml:"error_message"`
}

type Step struct {
	Status  models.ExecutionStatus `yaml:"status"`
	Message string                 `yaml:"message"`
}

// DefaultScenario walks every in-progress status and completes.
func DefaultScenario() *Scenario {
	return &Scenario{
		StepDelay: 750 * time.Millisecond,
		Steps: []Step{
			{Status: models.StatusCloningRepo, Message: "Cloning repository"},
			{Status: models.StatusAnalyzingCode, Message: "Analyzing code"},
			{Status: models.StatusCallingLLM, Message: "Calling LLM"},
			{Status: models.StatusApplyingChanges, Message: "Applying changes"},
			{Status: models.StatusCommitting, Message: "Committing changes"},
		},
		Outcome:      models.StatusCompleted,
		FinalMessage: "Execution completed successfully",
		Summary:      "Execution completed successfully.",
	}
}

// LoadScenario reads a YAML scenario file. Missing fields take their
// DefaultScenario values.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to parse scenario YAML: %w", err)
	}

	def := DefaultScenario()
	if sc.StepDelay == 0 {
		sc.StepDelay = def.StepDelay
	}
	if len(sc.Steps) == 0 {
		sc.Steps = def.Steps
	}
	if sc.Outcome == "" {
		sc.Outcome = def.Outcome
	}
	if sc.FinalMessage == "" {
		if sc.Outcome == models.StatusFailed {
			sc.FinalMessage = "Execution failed"
		} else {
			sc.FinalMessage = def.FinalMessage
		}
	}
	if sc.Summary == "" && sc.Outcome == models.StatusCompleted {
		sc.Summary = def.Summary
	}

	if err := sc.validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

func (sc *Scenario) validate() error {
	if !sc.Outcome.IsTerminal() {
		return fmt.Errorf("scenario outcome must be COMPLETED or FAILED, got %q", sc.Outcome)
	}
	for i, st := range sc.Steps {
		if st.Status.IsTerminal() {
			return fmt.Errorf("scenario step %d: status %q is terminal", i+1, st.Status)
		}
	}
	return nil
}
