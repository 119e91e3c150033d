// SPDX-License-Identifier: Apache-2.0

// Package suite loads USSD test suites from YAML and imports them into a
// catalog store.
package suite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/adiadia/ussd-runner/internal/domain"
	"gopkg.in/yaml.v3"
)

// File is the on-disk suite format:
//
//	batch: nightly-smoke
//	test_cases:
//	  - name: balance enquiry
//	    steps:
//	      - input: "*123#"
//	        expect: "Welcome, Bank"
//	      - param: pin
//	        expect: Balance
type File struct {
	Batch     string     `yaml:"batch"`
	TestCases []TestCase `yaml:"test_cases"`
}

type TestCase struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// Step is static when only Input is set. Setting Param makes it dynamic;
// Input then serves as the template used when the parameter is missing.
type Step struct {
	Input  string `yaml:"input"`
	Param  string `yaml:"param"`
	Expect string `yaml:"expect"`
}

// Store is the subset of a catalog store needed to import a suite.
type Store interface {
	CreateTestCase(ctx context.Context, name string, steps []domain.StepDefinition) (int64, error)
	CreateBatch(ctx context.Context, name string, testCaseIDs []int64) (domain.BatchRun, error)
}

type Imported struct {
	TestCaseIDs []int64
	Batch       *domain.BatchRun
}

func LoadFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open suite: %w", err)
	}
	defer f.Close()
	return Load(f)
}

func Load(r io.Reader) (*File, error) {
	var sf File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&sf); err != nil {
		return nil, fmt.Errorf("decode suite: %w", err)
	}
	if err := sf.Validate(); err != nil {
		return nil, err
	}
	return &sf, nil
}

func (f *File) Validate() error {
	if len(f.TestCases) == 0 {
		return errors.New("suite has no test cases")
	}
	for i, tc := range f.TestCases {
		if strings.TrimSpace(tc.Name) == "" {
			return fmt.Errorf("test case %d: name is required", i+1)
		}
		for j, st := range tc.Steps {
			if strings.TrimSpace(st.Input) == "" && strings.TrimSpace(st.Param) == "" {
				return fmt.Errorf("test case %q step %d: input or param is required", tc.Name, j+1)
			}
		}
	}
	return nil
}

// Definitions converts tc into ordered step definitions starting at 1.
func (tc TestCase) Definitions() []domain.StepDefinition {
	out := make([]domain.StepDefinition, 0, len(tc.Steps))
	for i, st := range tc.Steps {
		def := domain.StepDefinition{
			Order:            i + 1,
			ExpectedKeywords: domain.ParseKeywords(st.Expect),
		}
		if len(def.ExpectedKeywords) == 0 {
			def.ExpectedKeywords = nil
		}
		if param := strings.TrimSpace(st.Param); param != "" {
			template := st.Input
			if template == "" {
				template = "{" + param + "}"
			}
			def.Input = domain.DynamicInput(param, template)
		} else {
			def.Input = domain.StaticInput(strings.TrimSpace(st.Input))
		}
		out = append(out, def)
	}
	return out
}

// Import creates every test case in f and, when f names a batch, a batch
// assigning them in file order.
func Import(ctx context.Context, store Store, f *File) (Imported, error) {
	var res Imported
	for _, tc := range f.TestCases {
		id, err := store.CreateTestCase(ctx, tc.Name, tc.Definitions())
		if err != nil {
			return res, fmt.Errorf("create test case %q: %w", tc.Name, err)
		}
		res.TestCaseIDs = append(res.TestCaseIDs, id)
	}

	if name := strings.TrimSpace(f.Batch); name != "" {
		b, err := store.CreateBatch(ctx, name, res.TestCaseIDs)
		if err != nil {
			return res, fmt.Errorf("create batch %q: %w", name, err)
		}
		res.Batch = &b
	}
	return res, nil
}
