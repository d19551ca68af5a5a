package expr

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEval_BasicArithmetic(t *testing.T) {
	v, err := Eval("attempt + response * 2", map[string]float64{"attempt": 10, "response": 5})
	assert.NoError(t, err)
	assert.Equal(t, 20.0, v)
}

func TestEval_SuccessRateFormula(t *testing.T) {
	v, err := Eval("response/attempt*100", map[string]float64{"attempt": 90, "response": 95})
	assert.NoError(t, err)
	assert.InDelta(t, 105.555, v, 0.001)
}

func TestEval_DivisionByZeroIsNaN(t *testing.T) {
	v, err := Eval("a/b", map[string]float64{"a": 1, "b": 0})
	assert.NoError(t, err)
	assert.True(t, math.IsNaN(v))
}

func TestEval_UndefinedIdentifierIsNaN(t *testing.T) {
	v, err := Eval("unknown_peg + 1", map[string]float64{})
	assert.NoError(t, err)
	assert.True(t, math.IsNaN(v))
}

func TestEval_Parentheses(t *testing.T) {
	v, err := Eval("(a+b)*2", map[string]float64{"a": 1, "b": 2})
	assert.NoError(t, err)
	assert.Equal(t, 6.0, v)
}

func TestEval_UnaryMinus(t *testing.T) {
	v, err := Eval("-a+5", map[string]float64{"a": 3})
	assert.NoError(t, err)
	assert.Equal(t, 2.0, v)
}

func TestParse_RejectsFunctionCalls(t *testing.T) {
	_, err := Parse("max(a,b)")
	assert.Error(t, err)
}

func TestParse_RejectsComparisons(t *testing.T) {
	_, err := Parse("a > b")
	assert.Error(t, err)
}

func TestParse_RejectsTrailingGarbage(t *testing.T) {
	_, err := Parse("a + b )")
	assert.Error(t, err)
}

func TestDependencies(t *testing.T) {
	deps := Dependencies("success_rate = response/attempt*100")
	_, hasResponse := deps["response"]
	_, hasAttempt := deps["attempt"]
	_, hasSuccessRate := deps["success_rate"]
	assert.True(t, hasResponse)
	assert.True(t, hasAttempt)
	assert.True(t, hasSuccessRate)
}

func TestIsUsable(t *testing.T) {
	assert.True(t, IsUsable(1.0))
	assert.False(t, IsUsable(math.NaN()))
	assert.False(t, IsUsable(math.Inf(1)))
	assert.False(t, IsUsable(math.Inf(-1)))
}

func TestValidateFormulaChars(t *testing.T) {
	assert.True(t, ValidateFormulaChars("a + b * (c - 1) / 2"))
	assert.False(t, ValidateFormulaChars(""))
	assert.False(t, ValidateFormulaChars("a; rm -rf /"))
}
