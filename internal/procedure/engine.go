package procedure

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stagehand/stagehand/internal/common/logger"
)

// Engine advances procedure state. Pure over State; the engine itself
// holds only configuration.
type Engine struct {
	maxIterations int
	logger        *logger.Logger
}

// NewEngine creates an engine with the given validation-loop bound.
func NewEngine(maxIterations int, log *logger.Logger) *Engine {
	if maxIterations <= 0 {
		maxIterations = 3
	}
	return &Engine{
		maxIterations: maxIterations,
		logger:        log.WithFields(zap.String("component", "procedure")),
	}
}

// MaxIterations returns the validation-loop bound.
func (e *Engine) MaxIterations() int {
	return e.maxIterations
}

// Current returns the subroutine the state points at, or nil past the end.
func (e *Engine) Current(p *Procedure, s *State) *Subroutine {
	if s.Index < 0 || s.Index >= len(p.Subroutines) {
		return nil
	}
	return &p.Subroutines[s.Index]
}

// Next returns the subroutine after the current one, or nil if the
// procedure would complete.
func (e *Engine) Next(p *Procedure, s *State) *Subroutine {
	if s.Index+1 >= len(p.Subroutines) {
		return nil
	}
	return &p.Subroutines[s.Index+1]
}

// Advance records the finished subroutine's result and moves the pointer.
func (e *Engine) Advance(s *State, resultText string) {
	s.Results = append(s.Results, resultText)
	s.Index++
	s.Validation = ValidationState{}
}

// Complete reports whether the procedure has run out of subroutines.
func (e *Engine) Complete(p *Procedure, s *State) bool {
	return s.Index >= len(p.Subroutines)
}

// LastResult returns the most recent recorded subroutine result, used for
// error-recovery reconstructions.
func (e *Engine) LastResult(s *State) string {
	for i := len(s.Results) - 1; i >= 0; i-- {
		if s.Results[i] != "" {
			return s.Results[i]
		}
	}
	return ""
}

// SyntheticResult returns the last prior result for a failed singleTurn
// subroutine, and whether one exists.
func (e *Engine) SyntheticResult(s *State) (string, bool) {
	last := e.LastResult(s)
	return last, last != ""
}

// ValidationResult is the structured outcome of a validation subroutine.
type ValidationResult struct {
	Pass   bool   `json:"pass"`
	Reason string `json:"reason"`
}

// LoopOutcome is the engine's decision after a validation result.
type LoopOutcome int

const (
	// LoopAdvance: the result passed; move on.
	LoopAdvance LoopOutcome = iota
	// LoopRunFixer: the result failed within the bound; run the fixer,
	// then rerun the verification subroutine.
	LoopRunFixer
	// LoopExhausted: the bound is spent; advance regardless.
	LoopExhausted
)

var embeddedJSON = regexp.MustCompile(`\{[^{}]*"pass"[^{}]*\}`)

// ParseValidationResult extracts {pass, reason} from a subroutine result.
// Accepts a bare JSON object, an object embedded in prose, or a leading
// pass/fail verdict word; anything else fails with the text as reason.
func ParseValidationResult(text string) ValidationResult {
	trimmed := strings.TrimSpace(text)

	var res ValidationResult
	if err := json.Unmarshal([]byte(trimmed), &res); err == nil {
		return res
	}
	if m := embeddedJSON.FindString(trimmed); m != "" {
		if err := json.Unmarshal([]byte(m), &res); err == nil {
			return res
		}
	}

	switch {
	case strings.HasPrefix(strings.ToLower(trimmed), "pass"):
		return ValidationResult{Pass: true}
	default:
		return ValidationResult{Pass: false, Reason: trimmed}
	}
}

// EvaluateValidation applies one validation result to the loop state.
func (e *Engine) EvaluateValidation(s *State, res ValidationResult) LoopOutcome {
	if res.Pass {
		s.Validation.Attempts = append(s.Validation.Attempts, Attempt{
			Iteration: s.Validation.Iteration,
			Pass:      true,
			Timestamp: time.Now().UTC(),
		})
		s.Validation.InFixerMode = false
		return LoopAdvance
	}

	if s.Validation.Iteration < e.maxIterations {
		s.Validation.Iteration++
		s.Validation.InFixerMode = true
		s.Validation.Attempts = append(s.Validation.Attempts, Attempt{
			Iteration: s.Validation.Iteration,
			Pass:      false,
			Reason:    res.Reason,
			Timestamp: time.Now().UTC(),
		})
		e.logger.Info("validation failed, entering fixer mode",
			zap.Int("iteration", s.Validation.Iteration),
			zap.Int("max", e.maxIterations),
			zap.String("reason", res.Reason))
		return LoopRunFixer
	}

	e.logger.Warn("validation loop exhausted",
		zap.Int("iterations", s.Validation.Iteration),
		zap.String("reason", res.Reason))
	attempts := append(s.Validation.Attempts, Attempt{
		Iteration: s.Validation.Iteration + 1,
		Pass:      false,
		Reason:    res.Reason,
		Timestamp: time.Now().UTC(),
	})
	s.Validation = ValidationState{Attempts: attempts}
	return LoopExhausted
}
