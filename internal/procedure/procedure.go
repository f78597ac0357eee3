// Package procedure defines multi-step agent workflows (ordered
// subroutines) and the engine that advances them: approval gates,
// validation retry loops, and single-turn recovery.
package procedure

import (
	"strings"
	"time"
)

// Subroutine is one step of a procedure.
type Subroutine struct {
	Name            string   `json:"name"`
	PromptTemplate  string   `json:"prompt_template"`
	AllowedTools    []string `json:"allowed_tools,omitempty"`
	DisallowedTools []string `json:"disallowed_tools,omitempty"`

	// RequiresApproval suspends the procedure after this subroutine until
	// a human approves.
	RequiresApproval bool `json:"requires_approval,omitempty"`

	// UsesValidationLoop parses this subroutine's result as {pass, reason}
	// and retries through a fixer subroutine while it fails.
	UsesValidationLoop bool `json:"uses_validation_loop,omitempty"`

	// SuppressThoughtPosting hides thought and action activities for this
	// subroutine; responses and results still post.
	SuppressThoughtPosting bool `json:"suppress_thought_posting,omitempty"`

	// SingleTurn marks a one-shot subroutine whose recoverable failure is
	// replaced by the last prior result as a synthetic success.
	SingleTurn bool `json:"single_turn,omitempty"`
}

// Procedure is an ordered list of subroutines.
type Procedure struct {
	Name        string       `json:"name"`
	Subroutines []Subroutine `json:"subroutines"`
}

// Attempt records one validation-loop iteration.
type Attempt struct {
	Iteration int       `json:"iteration"`
	Pass      bool      `json:"pass"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// ValidationState tracks the fixer/verify retry loop.
type ValidationState struct {
	Iteration   int       `json:"iteration"`
	InFixerMode bool      `json:"in_fixer_mode"`
	Attempts    []Attempt `json:"attempts,omitempty"`
}

// State is the per-session procedure position. Serialised with the
// session snapshot.
type State struct {
	ProcedureName string          `json:"procedure_name"`
	Index         int             `json:"index"`
	Results       []string        `json:"results"`
	Validation    ValidationState `json:"validation"`
}

// Built-in procedure names.
const (
	ProcedureStandard = "standard"
	ProcedureSingle   = "single"
	ProcedureReviewed = "reviewed"
)

// builtins holds the procedures shipped with the orchestrator. A standard
// issue assignment runs scope, build, verify; comment threads get a
// single conversational turn; reviewed adds a human approval gate after
// planning.
var builtins = map[string]*Procedure{
	ProcedureStandard: {
		Name: ProcedureStandard,
		Subroutines: []Subroutine{
			{Name: "scope", PromptTemplate: "scope"},
			{Name: "build", PromptTemplate: "build"},
			{Name: "verify", PromptTemplate: "verify", UsesValidationLoop: true, SuppressThoughtPosting: true},
		},
	},
	ProcedureSingle: {
		Name: ProcedureSingle,
		Subroutines: []Subroutine{
			{Name: "respond", PromptTemplate: "respond", SingleTurn: true},
		},
	},
	ProcedureReviewed: {
		Name: ProcedureReviewed,
		Subroutines: []Subroutine{
			{Name: "plan", PromptTemplate: "scope", RequiresApproval: true},
			{Name: "build", PromptTemplate: "build"},
			{Name: "verify", PromptTemplate: "verify", UsesValidationLoop: true, SuppressThoughtPosting: true},
		},
	},
}

// ByName returns a built-in procedure.
func ByName(name string) (*Procedure, bool) {
	p, ok := builtins[name]
	return p, ok
}

// Classifier maps free-form issue text to a procedure name. Pluggable;
// may return "" to defer to the defaults.
type Classifier func(title, description string) string

// Choose selects a procedure: label rules first, then the classifier,
// then the session-type default.
func Choose(labelRules map[string]string, labels []string, commentThread bool, classify Classifier, title, description string) *Procedure {
	for _, label := range labels {
		for ruleLabel, procName := range labelRules {
			if strings.EqualFold(ruleLabel, label) {
				if p, ok := ByName(procName); ok {
					return p
				}
			}
		}
	}

	if classify != nil {
		if p, ok := ByName(classify(title, description)); ok {
			return p
		}
	}

	if commentThread {
		return builtins[ProcedureSingle]
	}
	return builtins[ProcedureStandard]
}
