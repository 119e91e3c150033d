// SPDX-License-Identifier: Apache-2.0

// Package params turns a batch-wide parameter input into one ParameterSet per
// test case.
//
// Batch inputs use three key shapes:
//
//	name              common scope
//	COMMON__name      common scope
//	TC_<id>__name     specific to test case <id>
package params

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/adiadia/ussd-runner/internal/domain"
)

const (
	commonPrefix = "COMMON__"
	casePrefix   = "TC_"
	caseSep      = "__"
)

func CommonKey(name string) string {
	return commonPrefix + name
}

func CaseKey(testCaseID int64, name string) string {
	return casePrefix + strconv.FormatInt(testCaseID, 10) + caseSep + name
}

// Classification records which dynamic parameters of a batch are common to
// all of its test cases.
type Classification struct {
	TestCases int
	Common    map[string]bool
	// Usage maps each parameter to the test cases whose steps reference it.
	Usage map[string][]int64
}

// Classify inspects the dynamic steps of every test case in a batch. A
// parameter is common when every test case uses it and there is more than one
// test case.
func Classify(stepsByCase map[int64][]domain.StepDefinition) Classification {
	c := Classification{
		TestCases: len(stepsByCase),
		Common:    map[string]bool{},
		Usage:     map[string][]int64{},
	}

	caseIDs := make([]int64, 0, len(stepsByCase))
	for id := range stepsByCase {
		caseIDs = append(caseIDs, id)
	}
	sort.Slice(caseIDs, func(i, j int) bool { return caseIDs[i] < caseIDs[j] })

	for _, id := range caseIDs {
		seen := map[string]bool{}
		for _, st := range stepsByCase[id] {
			if st.Input.Kind != domain.InputDynamic || st.Input.Param == "" || seen[st.Input.Param] {
				continue
			}
			seen[st.Input.Param] = true
			c.Usage[st.Input.Param] = append(c.Usage[st.Input.Param], id)
		}
	}

	for name, cases := range c.Usage {
		if c.TestCases > 1 && len(cases) == c.TestCases {
			c.Common[name] = true
		}
	}
	return c
}

// Resolve builds the ParameterSet for testCaseID. Common-scope values apply
// only to parameters classified as common; test case specific values always
// win. Ignored inputs are reported as warnings.
func (c Classification) Resolve(inputs map[string]string, testCaseID int64) (domain.ParameterSet, []string) {
	out := domain.ParameterSet{}
	var warnings []string

	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		name, ok := commonName(key)
		if !ok {
			continue
		}
		if !c.Common[name] {
			if _, used := c.Usage[name]; used {
				warnings = append(warnings, fmt.Sprintf("parameter %q is not common to all test cases; common value ignored", name))
			}
			continue
		}
		out[name] = inputs[key]
	}

	prefix := CaseKey(testCaseID, "")
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		name := strings.TrimPrefix(key, prefix)
		if name == "" {
			continue
		}
		out[name] = inputs[key]
	}

	return out, warnings
}

// Missing lists the parameters testCaseID references that set does not
// provide.
func (c Classification) Missing(set domain.ParameterSet, testCaseID int64) []string {
	var missing []string
	for name, cases := range c.Usage {
		for _, id := range cases {
			if id != testCaseID {
				continue
			}
			if _, ok := set[name]; !ok {
				missing = append(missing, name)
			}
		}
	}
	sort.Strings(missing)
	return missing
}

func commonName(key string) (string, bool) {
	if strings.HasPrefix(key, commonPrefix) {
		name := strings.TrimPrefix(key, commonPrefix)
		return name, name != ""
	}
	if strings.HasPrefix(key, casePrefix) || strings.HasPrefix(key, "COMMON_") {
		return "", false
	}
	return key, key != ""
}
