// SPDX-License-Identifier: Apache-2.0

package domain

import "strings"

type InputKind string

const (
	InputStatic  InputKind = "static"
	InputDynamic InputKind = "dynamic"
)

// StepInput is either a literal text or a reference to a named parameter.
// Text holds the authored template for dynamic inputs and is used verbatim
// when the parameter cannot be resolved.
type StepInput struct {
	Kind  InputKind `json:"kind"`
	Text  string    `json:"text"`
	Param string    `json:"param,omitempty"`
}

func StaticInput(text string) StepInput {
	return StepInput{Kind: InputStatic, Text: text}
}

func DynamicInput(param, template string) StepInput {
	return StepInput{Kind: InputDynamic, Text: template, Param: param}
}

type StepDefinition struct {
	ID               int64     `json:"id"`
	TestCaseID       int64     `json:"test_case_id"`
	Order            int       `json:"order"`
	Input            StepInput `json:"input"`
	ExpectedKeywords []string  `json:"expected_keywords"`
}

// ParameterSet maps a dynamic parameter name to its concrete value.
type ParameterSet map[string]string

// Resolve returns the concrete input for in. The second result is false when
// in is dynamic and its parameter is missing, in which case the template text
// is returned unchanged.
func (p ParameterSet) Resolve(in StepInput) (string, bool) {
	if in.Kind != InputDynamic {
		return in.Text, true
	}
	if v, ok := p[in.Param]; ok {
		return v, true
	}
	return in.Text, false
}

func (p ParameterSet) Clone() ParameterSet {
	out := make(ParameterSet, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// ParseKeywords splits a comma separated expectation into trimmed keywords.
func ParseKeywords(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

// LooksLikeInitiationCode reports whether input is a session initiation code
// such as *123#.
func LooksLikeInitiationCode(input string) bool {
	input = strings.TrimSpace(input)
	return len(input) >= 2 && strings.HasPrefix(input, "*") && strings.HasSuffix(input, "#")
}
