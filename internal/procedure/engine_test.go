package procedure

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand/stagehand/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestEngineAdvanceWalksAllSubroutines(t *testing.T) {
	e := NewEngine(3, testLogger(t))
	p, ok := ByName(ProcedureStandard)
	require.True(t, ok)

	s := &State{ProcedureName: p.Name}

	for i, name := range []string{"scope", "build", "verify"} {
		assert.Equal(t, i, s.Index)
		cur := e.Current(p, s)
		require.NotNil(t, cur)
		assert.Equal(t, name, cur.Name)
		assert.False(t, e.Complete(p, s))
		e.Advance(s, "result "+name)
	}

	assert.True(t, e.Complete(p, s))
	assert.Nil(t, e.Current(p, s))
	assert.Equal(t, "result verify", e.LastResult(s))
}

func TestEngineNext(t *testing.T) {
	e := NewEngine(3, testLogger(t))
	p, _ := ByName(ProcedureStandard)
	s := &State{}

	next := e.Next(p, s)
	require.NotNil(t, next)
	assert.Equal(t, "build", next.Name)

	s.Index = len(p.Subroutines) - 1
	assert.Nil(t, e.Next(p, s))
}

func TestEngineLastResultSkipsEmpty(t *testing.T) {
	e := NewEngine(3, testLogger(t))
	s := &State{Results: []string{"scope done", ""}}
	assert.Equal(t, "scope done", e.LastResult(s))

	synthetic, ok := e.SyntheticResult(s)
	assert.True(t, ok)
	assert.Equal(t, "scope done", synthetic)

	_, ok = e.SyntheticResult(&State{})
	assert.False(t, ok)
}

func TestParseValidationResult(t *testing.T) {
	res := ParseValidationResult(`{"pass": true, "reason": ""}`)
	assert.True(t, res.Pass)

	res = ParseValidationResult(`{"pass": false, "reason": "missing tests"}`)
	assert.False(t, res.Pass)
	assert.Equal(t, "missing tests", res.Reason)

	res = ParseValidationResult("Verdict: {\"pass\": false, \"reason\": \"lint errors\"} as shown above")
	assert.False(t, res.Pass)
	assert.Equal(t, "lint errors", res.Reason)

	res = ParseValidationResult("PASS - everything checks out")
	assert.True(t, res.Pass)

	res = ParseValidationResult("it did not go well")
	assert.False(t, res.Pass)
	assert.Equal(t, "it did not go well", res.Reason)
}

func TestValidationLoopBound(t *testing.T) {
	const max = 3
	e := NewEngine(max, testLogger(t))
	s := &State{}

	// K failures produce K fixer runs.
	for i := 1; i <= max; i++ {
		outcome := e.EvaluateValidation(s, ValidationResult{Pass: false, Reason: "missing tests"})
		assert.Equal(t, LoopRunFixer, outcome)
		assert.Equal(t, i, s.Validation.Iteration)
		assert.True(t, s.Validation.InFixerMode)
	}

	// The (K+1)-th failure advances regardless.
	outcome := e.EvaluateValidation(s, ValidationResult{Pass: false, Reason: "still failing"})
	assert.Equal(t, LoopExhausted, outcome)
	assert.False(t, s.Validation.InFixerMode)
	assert.Equal(t, 0, s.Validation.Iteration)
	// Attempt history is retained for the snapshot.
	assert.Len(t, s.Validation.Attempts, max+1)
}

func TestValidationLoopPassAfterFailures(t *testing.T) {
	e := NewEngine(3, testLogger(t))
	s := &State{}

	assert.Equal(t, LoopRunFixer, e.EvaluateValidation(s, ValidationResult{Pass: false, Reason: "nope"}))
	assert.Equal(t, LoopAdvance, e.EvaluateValidation(s, ValidationResult{Pass: true}))
	assert.False(t, s.Validation.InFixerMode)

	// Advance clears loop state for the next subroutine.
	e.Advance(s, "verified")
	assert.Empty(t, s.Validation.Attempts)
	assert.Equal(t, 0, s.Validation.Iteration)
}

func TestChooseProcedure(t *testing.T) {
	// Label rule wins.
	p := Choose(map[string]string{"needs-review": ProcedureReviewed}, []string{"bug", "Needs-Review"}, false, nil, "", "")
	assert.Equal(t, ProcedureReviewed, p.Name)

	// Classifier is consulted next.
	classify := func(title, desc string) string { return ProcedureSingle }
	p = Choose(nil, []string{"bug"}, false, classify, "quick question", "")
	assert.Equal(t, ProcedureSingle, p.Name)

	// Session-type defaults.
	p = Choose(nil, nil, true, nil, "", "")
	assert.Equal(t, ProcedureSingle, p.Name)
	p = Choose(nil, nil, false, nil, "", "")
	assert.Equal(t, ProcedureStandard, p.Name)

	// Unknown classifier result falls through to the default.
	p = Choose(nil, nil, false, func(string, string) string { return "nonsense" }, "", "")
	assert.Equal(t, ProcedureStandard, p.Name)
}

func TestApprovalFlagOnReviewedProcedure(t *testing.T) {
	e := NewEngine(3, testLogger(t))
	p, _ := ByName(ProcedureReviewed)
	s := &State{}

	cur := e.Current(p, s)
	require.NotNil(t, cur)
	assert.True(t, cur.RequiresApproval)
	assert.True(t, p.Subroutines[2].UsesValidationLoop)
}
