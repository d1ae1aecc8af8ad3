package agent

import "strings"

// Step names, in fixed execution order. The pipeline is a linear sequence,
// not a DAG.
const (
	StepFormat      = "format"
	StepCheck       = "check"
	StepClippy      = "clippy"
	StepTest        = "test"
	StepAudit       = "audit"
	StepBuild       = "build"
	StepDockerBuild = "docker-build"
	StepDockerPush  = "docker-push"
)

// imagePlaceholder in a step command is replaced with the computed image
// reference before execution.
const imagePlaceholder = "{image}"

// StepSpec is one opaque command in the pipeline, run from the cloned repo
// root.
type StepSpec struct {
	Name    string
	Command []string
}

// DefaultSteps is the fixed build sequence.
func DefaultSteps() []StepSpec {
	return []StepSpec{
		{Name: StepFormat, Command: []string{"cargo", "fmt", "--all", "--check"}},
		{Name: StepCheck, Command: []string{"cargo", "check", "--all-targets"}},
		{Name: StepClippy, Command: []string{"cargo", "clippy", "--all-targets", "--", "-D", "warnings"}},
		{Name: StepTest, Command: []string{"cargo", "test", "--all-targets"}},
		{Name: StepAudit, Command: []string{"cargo", "audit"}},
		{Name: StepBuild, Command: []string{"cargo", "build", "--release"}},
		{Name: StepDockerBuild, Command: []string{"docker", "build", "-t", imagePlaceholder, "."}},
		{Name: StepDockerPush, Command: []string{"docker", "push", imagePlaceholder}},
	}
}

// expandCommand substitutes the image placeholder into a copy of cmd.
func expandCommand(cmd []string, image string) []string {
	out := make([]string, len(cmd))
	for i, a := range cmd {
		out[i] = strings.ReplaceAll(a, imagePlaceholder, image)
	}
	return out
}
