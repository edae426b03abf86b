package engine

import (
	"log/slog"
	"time"

	"github.com/flumeai/flume-oss/pkg/domain"
)

// Simulator predicts how a workflow would treat a request without executing
// any plugin. It runs the same skip analysis the executor consults, so the
// report matches what a live request with identical input would see at the
// moment each stage is entered.
type Simulator struct {
	history *History
	logger  *slog.Logger
}

// NewSimulator creates a simulator. history may be nil when no live latency
// samples exist; estimated savings are then zero.
func NewSimulator(history *History, logger *slog.Logger) *Simulator {
	if logger == nil {
		logger = slog.Default()
	}
	if history == nil {
		history = NewHistory()
	}
	return &Simulator{history: history, logger: logger}
}

// StageReport describes the predicted treatment of one stage.
type StageReport struct {
	Stage   domain.Stage   `yaml:"stage"`
	Skip    bool           `yaml:"skip"`
	Reason  string         `yaml:"reason,omitempty"`
	Plugins []PluginReport `yaml:"plugins,omitempty"`
}

// PluginReport describes the predicted treatment of one plugin instance.
type PluginReport struct {
	Name            string        `yaml:"name"`
	Type            string        `yaml:"type"`
	Skip            bool          `yaml:"skip"`
	Reason          string        `yaml:"reason,omitempty"`
	EstimatedSaving time.Duration `yaml:"estimatedSaving,omitempty"`
}

// Report is the full dry-run result for one simulated request.
type Report struct {
	Workflow       string         `yaml:"workflow"`
	Generation     int64          `yaml:"generation"`
	Stages         []StageReport  `yaml:"stages"`
	AlwaysSkipped  []domain.Stage `yaml:"alwaysSkipped,omitempty"`
	EstimatedTotal time.Duration  `yaml:"estimatedTotalSaving,omitempty"`
}

// Simulate produces the skip report for the given request input. It never
// mutates shared state and never invokes a plugin; plugin-computed skip
// hooks run against a throwaway context.
func (s *Simulator) Simulate(workflow *Workflow, input domain.RequestInput) *Report {
	s.logger.Debug("simulating workflow", "workflow", workflow.Name, "generation", workflow.Generation)

	analyzer := NewAnalyzer(workflow, s.history)
	ec := domain.NewExecutionContext("simulation", input, nil)
	analysis := analyzer.Analyze(ec)

	report := &Report{
		Workflow:      workflow.Name,
		Generation:    workflow.Generation,
		AlwaysSkipped: analyzer.AnalyzeStatic(),
	}

	for _, stage := range domain.StageSequence() {
		decision, ok := analysis.Stage(stage)
		if !ok {
			continue
		}
		stageReport := StageReport{Stage: stage, Skip: decision.Skip, Reason: decision.Reason}
		for _, plugin := range decision.Plugins {
			stageReport.Plugins = append(stageReport.Plugins, PluginReport{
				Name:            plugin.Name,
				Type:            plugin.Type,
				Skip:            plugin.Skip,
				Reason:          plugin.Reason,
				EstimatedSaving: plugin.EstimatedSaving,
			})
			if plugin.Skip {
				report.EstimatedTotal += plugin.EstimatedSaving
			}
		}
		report.Stages = append(report.Stages, stageReport)
	}
	return report
}
