// SPDX-License-Identifier: Apache-2.0

package params

import (
	"testing"

	"github.com/adiadia/ussd-runner/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dyn(id int64, order int, param string) domain.StepDefinition {
	return domain.StepDefinition{ID: id, Order: order, Input: domain.DynamicInput(param, "{"+param+"}")}
}

func TestClassifyCommonRequiresEveryCase(t *testing.T) {
	c := Classify(map[int64][]domain.StepDefinition{
		10: {dyn(1, 2, "pin"), dyn(2, 3, "amount")},
		20: {dyn(3, 2, "pin"), dyn(4, 3, "account")},
	})

	assert.Equal(t, 2, c.TestCases)
	assert.True(t, c.Common["pin"])
	assert.False(t, c.Common["amount"])
	assert.False(t, c.Common["account"])
	assert.Equal(t, []int64{10, 20}, c.Usage["pin"])
}

func TestClassifySingleCaseHasNoCommon(t *testing.T) {
	c := Classify(map[int64][]domain.StepDefinition{
		10: {dyn(1, 2, "pin"), dyn(2, 3, "pin")},
	})

	assert.Empty(t, c.Common)
	assert.Equal(t, []int64{10}, c.Usage["pin"])
}

func TestClassifyIgnoresStaticSteps(t *testing.T) {
	c := Classify(map[int64][]domain.StepDefinition{
		10: {{ID: 1, Order: 1, Input: domain.StaticInput("*123#")}},
		20: {{ID: 2, Order: 1, Input: domain.StaticInput("*123#")}},
	})

	assert.Empty(t, c.Usage)
}

func TestResolveCaseSpecificOverridesCommon(t *testing.T) {
	c := Classify(map[int64][]domain.StepDefinition{
		10: {dyn(1, 2, "pin"), dyn(2, 3, "amount")},
		20: {dyn(3, 2, "pin")},
	})

	inputs := map[string]string{
		CommonKey("pin"):       "1111",
		CaseKey(20, "pin"):     "2222",
		CaseKey(10, "amount"):  "50",
		CaseKey(20, "amount"):  "70",
		"unrelated_free_input": "x",
	}

	set10, warn10 := c.Resolve(inputs, 10)
	assert.Empty(t, warn10)
	assert.Equal(t, "1111", set10["pin"])
	assert.Equal(t, "50", set10["amount"])

	set20, _ := c.Resolve(inputs, 20)
	assert.Equal(t, "2222", set20["pin"])
	assert.Equal(t, "70", set20["amount"])
}

func TestResolveBareKeyIsCommonScope(t *testing.T) {
	c := Classify(map[int64][]domain.StepDefinition{
		10: {dyn(1, 2, "pin")},
		20: {dyn(2, 2, "pin")},
	})

	set, warnings := c.Resolve(map[string]string{"pin": "4321"}, 20)
	require.Empty(t, warnings)
	assert.Equal(t, domain.ParameterSet{"pin": "4321"}, set)
}

func TestResolveIgnoresCommonValueForSpecificParam(t *testing.T) {
	c := Classify(map[int64][]domain.StepDefinition{
		10: {dyn(1, 2, "amount")},
		20: {dyn(2, 2, "pin")},
	})

	set, warnings := c.Resolve(map[string]string{CommonKey("amount"): "10"}, 10)
	assert.NotContains(t, set, "amount")
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "amount")
	assert.Equal(t, []string{"amount"}, c.Missing(set, 10))
	assert.Empty(t, c.Missing(set, 30))
}
