package domain

import "fmt"

// Stage is one ordered phase of the request pipeline. The sequenced stages
// run in declaration order; StageError sits outside the sequence and is
// reachable from any point when a plugin fails.
type Stage string

const (
	StageInput  Stage = "input"
	StageParse  Stage = "parse"
	StageThink  Stage = "think"
	StageDo     Stage = "do"
	StageReview Stage = "review"
	StageOutput Stage = "output"
	// StageError is not part of the sequence; the executor routes to it on
	// the first plugin failure.
	StageError Stage = "error"
)

// StageSequence returns the sequenced stages in pipeline order. StageError is
// deliberately absent.
func StageSequence() []Stage {
	return []Stage{StageInput, StageParse, StageThink, StageDo, StageReview, StageOutput}
}

// ParseStage converts a configuration string into a Stage.
func ParseStage(s string) (Stage, error) {
	switch Stage(s) {
	case StageInput, StageParse, StageThink, StageDo, StageReview, StageOutput, StageError:
		return Stage(s), nil
	}
	return "", fmt.Errorf("%w: unknown stage %q", ErrConfigInvalid, s)
}

// Valid reports whether the stage is one of the known stages.
func (s Stage) Valid() bool {
	_, err := ParseStage(string(s))
	return err == nil
}

// Sequenced reports whether the stage participates in pipeline order.
func (s Stage) Sequenced() bool {
	return s != StageError && s.Valid()
}

// Skippable reports whether the analyzer may ever mark the whole stage as
// skipped. StageOutput and StageError are always executed.
func (s Stage) Skippable() bool {
	return s.Sequenced() && s != StageOutput
}

// DependsOnInput reports whether the stage requires StageInput to have run.
// This is the stage-dependency table consulted by the analyzer: skipping
// StageInput is only sound when every dependent stage is skipped too.
func (s Stage) DependsOnInput() bool {
	switch s {
	case StageParse, StageThink, StageDo, StageReview:
		return true
	}
	return false
}

// Index returns the position of the stage in the sequence, or -1 for
// StageError and unknown stages.
func (s Stage) Index() int {
	for i, stage := range StageSequence() {
		if stage == s {
			return i
		}
	}
	return -1
}

func (s Stage) String() string { return string(s) }
