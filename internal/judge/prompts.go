package judge

import (
	"fmt"
	"strings"
)

// Variant selects the user template sent to the rater.
type Variant int

const (
	// Confirm asks for a short confirmation of a correct solution.
	Confirm Variant = iota
	// Remediate asks for a step-level diagnosis of an incorrect solution.
	Remediate
)

func (v Variant) String() string {
	switch v {
	case Confirm:
		return "confirm"
	case Remediate:
		return "remediate"
	default:
		return fmt.Sprintf("variant(%d)", int(v))
	}
}

const (
	phQuestion    = "{question}"
	phGroundTruth = "{ground_truth}"
	phModelOutput = "{model_output}"
)

const defaultSystem = "You are an expert IIT JEE examiner evaluating a student's solution. " +
	"Analyze the solution step-by-step. If correct, confirm briefly. " +
	"If wrong, identify exactly where the reasoning went wrong, " +
	"which concept was misapplied, and what the correct approach should be."

const defaultConfirm = "Question: {question}\n" +
	"Correct answer: {ground_truth}\n" +
	"Student's solution: {model_output}\n\n" +
	"The student's answer is correct. Provide brief confirmation of the " +
	"correct approach and key concepts used (2-3 sentences)."

const defaultRemediate = "Question: {question}\n" +
	"Correct answer: {ground_truth}\n" +
	"Student's solution: {model_output}\n\n" +
	"Analyze the student's solution step-by-step. Identify exactly where " +
	"the reasoning went wrong, which concept was misapplied, and what " +
	"the correct approach should be. Be specific and educational."

// Templates holds the system instruction and the two user templates. User
// templates substitute {question}, {ground_truth} and {model_output}.
type Templates struct {
	System    string `yaml:"system_prompt"`
	Confirm   string `yaml:"confirm_template"`
	Remediate string `yaml:"remediate_template"`
}

// DefaultTemplates returns the examiner prompts.
func DefaultTemplates() Templates {
	return Templates{System: defaultSystem, Confirm: defaultConfirm, Remediate: defaultRemediate}
}

// WithDefaults fills empty fields from DefaultTemplates.
func (t Templates) WithDefaults() Templates {
	d := DefaultTemplates()
	if t.System == "" {
		t.System = d.System
	}
	if t.Confirm == "" {
		t.Confirm = d.Confirm
	}
	if t.Remediate == "" {
		t.Remediate = d.Remediate
	}
	return t
}

// Validate checks that both user templates carry every substitution point.
func (t Templates) Validate() error {
	for name, tmpl := range map[string]string{"confirm": t.Confirm, "remediate": t.Remediate} {
		for _, ph := range []string{phQuestion, phGroundTruth, phModelOutput} {
			if !strings.Contains(tmpl, ph) {
				return fmt.Errorf("judge %s template is missing %s", name, ph)
			}
		}
	}
	return nil
}

// Render builds the user prompt for one triple. Substitution is single pass,
// so placeholders appearing inside the substituted text are left alone.
func (t Templates) Render(v Variant, tr Triple) string {
	tmpl := t.Confirm
	if v == Remediate {
		tmpl = t.Remediate
	}
	r := strings.NewReplacer(
		phQuestion, tr.Question,
		phGroundTruth, tr.GroundTruth,
		phModelOutput, tr.ModelOutput,
	)
	return r.Replace(tmpl)
}
