// Package answer turns generated solutions into verdicts: Extract finds the
// self-reported final answer and Verify compares it against the ground truth
// with a ladder of progressively looser rules.
package answer

import (
	"fmt"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

const (
	DefaultRelTolerance = 0.01
	DefaultAbsTolerance = 1e-6
)

// Result is the verdict for one rollout.
type Result struct {
	Correct   bool   `json:"is_correct"`
	Detail    string `json:"detail"`
	Extracted string `json:"extracted_answer"`
	FromCache bool   `json:"from_cache"`
}

// Verifier is the rule-based correctness oracle. The zero value uses the
// default tolerances.
type Verifier struct {
	RelTolerance float64
	AbsTolerance float64
}

var (
	wrapParens  = regexp.MustCompile(`^\((.+)\)$`)
	wrapDollars = regexp.MustCompile(`^\$(.+)\$$`)
	latexCmd    = regexp.MustCompile(`\\[a-zA-Z]+\{([^}]*)\}`)
	latexNoise  = regexp.MustCompile(`[\\{}\s]`)
	nonNumeric  = regexp.MustCompile(`[^0-9.\-e]`)
	optionChars = regexp.MustCompile(`[a-d]`)
	optionList  = regexp.MustCompile(`^[a-d]+(?:(?:,|;|&|and)[a-d]+)*$`)
)

// Normalize lowercases an answer and strips the formatting that does not
// change its meaning: one layer of parentheses or dollar signs, simple LaTeX
// wrappers, braces, backslashes and whitespace.
func Normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = wrapParens.ReplaceAllString(s, "$1")
	s = wrapDollars.ReplaceAllString(s, "$1")
	s = latexCmd.ReplaceAllString(s, "$1")
	return latexNoise.ReplaceAllString(s, "")
}

// Verify checks a candidate with the default tolerances.
func Verify(candidate, truth string) (bool, string) {
	return Verifier{}.Verify(candidate, truth)
}

// Check extracts the answer from a full response and verifies it.
func (v Verifier) Check(response, truth string) Result {
	extracted := Extract(response)
	ok, detail := v.Verify(extracted, truth)
	return Result{Correct: ok, Detail: detail, Extracted: extracted}
}

// Verify returns whether candidate matches truth and a short description of
// the rule that decided.
func (v Verifier) Verify(candidate, truth string) (bool, string) {
	gen := Normalize(candidate)
	gt := Normalize(truth)

	if gen == "" {
		return false, "Could not extract answer from response"
	}
	if gt == "" {
		return false, "No ground truth available"
	}

	if gen == gt {
		if isMultiSelect(gen) {
			return true, "MCQ match"
		}
		return true, "Exact match"
	}

	genNum, genErr := parseBare(gen)
	gtNum, gtErr := parseBare(gt)
	bareNumbers := genErr == nil && gtErr == nil

	if !bareNumbers && (strings.Contains(gen, gt) || strings.Contains(gt, gen)) {
		return true, "Partial match"
	}

	if !bareNumbers {
		genNum, genErr = parseLoose(gen)
		gtNum, gtErr = parseLoose(gt)
	}
	if genErr == nil && gtErr == nil {
		return v.compareNumbers(genNum, gtNum)
	}

	if optionChars.MatchString(gen) && optionChars.MatchString(gt) {
		return compareOptions(gen, gt)
	}

	return false, fmt.Sprintf("No match: '%s' vs '%s'", candidate, truth)
}

func (v Verifier) compareNumbers(got, want float64) (bool, string) {
	rel := v.RelTolerance
	if rel <= 0 {
		rel = DefaultRelTolerance
	}
	abs := v.AbsTolerance
	if abs <= 0 {
		abs = DefaultAbsTolerance
	}

	if want != 0 {
		relErr := math.Abs(got-want) / math.Abs(want)
		if relErr < rel {
			return true, fmt.Sprintf("Numerical match (error: %.4f)", relErr)
		}
		return false, fmt.Sprintf("Numerical mismatch: got %s, expected %s (error: %.4f)",
			formatFloat(got), formatFloat(want), relErr)
	}
	if math.Abs(got-want) < abs {
		return true, "Numerical match (near zero)"
	}
	return false, fmt.Sprintf("Numerical mismatch: got %s, expected %s", formatFloat(got), formatFloat(want))
}

func compareOptions(gen, gt string) (bool, string) {
	got := optionSet(gen)
	want := optionSet(gt)
	if slices.Equal(got, want) {
		return true, "MCQ match"
	}
	return false, fmt.Sprintf("MCQ mismatch: got %v, expected %v", got, want)
}

// isMultiSelect reports whether s lists two or more option letters, such as
// "ac" or "a,c".
func isMultiSelect(s string) bool {
	return optionList.MatchString(s) && len(optionSet(s)) > 1
}

// optionSet returns the distinct option letters in s, sorted.
func optionSet(s string) []string {
	letters := optionChars.FindAllString(s, -1)
	slices.Sort(letters)
	return slices.Compact(letters)
}

func parseBare(s string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, strconv.ErrRange
	}
	return f, nil
}

// parseLoose keeps only digits, signs, decimal points and exponent markers
// before parsing, so "20m" reads as 20. Failures fall through to the next rule.
func parseLoose(s string) (float64, error) {
	return parseBare(nonNumeric.ReplaceAllString(s, ""))
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
