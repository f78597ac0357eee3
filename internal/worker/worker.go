// Package worker is the conductor: it turns verified webhook events into
// routed sessions, drives procedures subroutine by subroutine, and resumes
// runners off the lifecycle event bus.
package worker

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/stagehand/stagehand/internal/common/config"
	"github.com/stagehand/stagehand/internal/common/logger"
	"github.com/stagehand/stagehand/internal/common/tracing"
	"github.com/stagehand/stagehand/internal/events"
	"github.com/stagehand/stagehand/internal/events/bus"
	"github.com/stagehand/stagehand/internal/procedure"
	"github.com/stagehand/stagehand/internal/router"
	"github.com/stagehand/stagehand/internal/runner"
	"github.com/stagehand/stagehand/internal/session"
	"github.com/stagehand/stagehand/internal/tracker"
	"github.com/stagehand/stagehand/internal/transport"
	"github.com/stagehand/stagehand/internal/workspace"
)

// RunnerFactory builds a fresh runner for one subroutine invocation
// against the given repository.
type RunnerFactory func(repo *config.RepositoryConfig) runner.Runner

// Worker wires transport, router, session manager, procedure engine and
// runners together.
type Worker struct {
	cfg        *config.Config
	trk        tracker.Service
	bus        bus.EventBus
	mgr        *session.Manager
	router     *router.Router
	engine     *procedure.Engine
	approvals  *ApprovalRegistry
	workspaces workspace.Factory
	newRunner  RunnerFactory
	classify   procedure.Classifier
	logger     *logger.Logger

	mu    sync.Mutex
	repos map[string]*config.RepositoryConfig
	subs  []bus.Subscription
}

// New creates a worker. Call Start to attach its bus subscriptions.
func New(cfg *config.Config, trk tracker.Service, eventBus bus.EventBus, mgr *session.Manager,
	rtr *router.Router, engine *procedure.Engine, workspaces workspace.Factory,
	newRunner RunnerFactory, log *logger.Logger) *Worker {

	w := &Worker{
		cfg:        cfg,
		trk:        trk,
		bus:        eventBus,
		mgr:        mgr,
		router:     rtr,
		engine:     engine,
		workspaces: workspaces,
		newRunner:  newRunner,
		logger:     log.WithFields(zap.String("component", "worker")),
		repos:      make(map[string]*config.RepositoryConfig),
	}
	for i := range cfg.Repositories {
		repo := &cfg.Repositories[i]
		w.repos[repo.ID] = repo
	}
	w.approvals = NewApprovalRegistry(cfg.Procedure.ApprovalTimeoutDuration(), w.onApprovalResolved)
	return w
}

// Start subscribes the worker to the lifecycle subjects that drive
// subroutine transitions.
func (w *Worker) Start() error {
	for subject, handler := range map[string]bus.EventHandler{
		events.SubjectSubroutineCompleted: w.onSubroutineCompleted,
		events.SubjectValidationIteration: w.onValidationIteration,
		events.SubjectValidationRerun:     w.onValidationRerun,
	} {
		sub, err := w.bus.Subscribe(subject, handler)
		if err != nil {
			return fmt.Errorf("subscribing to %s: %w", subject, err)
		}
		w.mu.Lock()
		w.subs = append(w.subs, sub)
		w.mu.Unlock()
	}
	return nil
}

// Stop detaches subscriptions and cancels pending approval timers.
func (w *Worker) Stop() {
	w.mu.Lock()
	subs := w.subs
	w.subs = nil
	w.mu.Unlock()
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil {
			w.logger.Warn("failed to unsubscribe", zap.Error(err))
		}
	}
	w.approvals.Stop()
}

// Approvals exposes the registry to the HTTP approval endpoints.
func (w *Worker) Approvals() *ApprovalRegistry {
	return w.approvals
}

// HandleWebhook is the transport handler: it dispatches one verified
// event. Runs on the transport's per-delivery goroutine.
func (w *Worker) HandleWebhook(ev *transport.Event) {
	ctx := context.Background()
	log := w.logger.WithFields(
		zap.String("webhook_type", ev.Type),
		zap.String("webhook_action", ev.Action),
		zap.String("issue_id", ev.IssueID))

	switch ev.Action {
	case "issueAssignedToYou", "created":
		if err := w.startFlow(ctx, ev, session.TypeIssueAssignment); err != nil {
			log.Error("failed to start session", zap.Error(err))
		}

	case "prompted":
		if err := w.handlePrompt(ctx, ev); err != nil {
			log.Error("failed to handle prompt", zap.Error(err))
		}

	case "issueCommentMention", "issueNewComment":
		if err := w.startFlow(ctx, ev, session.TypeCommentThread); err != nil {
			log.Error("failed to start comment session", zap.Error(err))
		}

	case "stopped":
		if s, ok := w.mgr.ForExternalSession(ev.AgentSessionID); ok {
			w.router.CancelSelection(ev.AgentSessionID)
			if err := w.mgr.Stop(ctx, s.ID); err != nil {
				log.Error("failed to stop session", zap.Error(err))
			}
		}

	default:
		log.Debug("ignoring webhook action")
	}
}

// startFlow routes the event and opens a session against the winner. A
// pending elicitation returns without starting anything; the user's reply
// arrives as a later prompted event.
func (w *Worker) startFlow(ctx context.Context, ev *transport.Event, typ session.Type) error {
	d, err := w.router.Route(ctx, ev)
	if err != nil {
		return fmt.Errorf("routing issue %s: %w", ev.IssueID, err)
	}
	if d.Pending != nil {
		w.logger.Info("repository selection pending",
			zap.String("issue_id", ev.IssueID),
			zap.Strings("options", d.Pending.Names))
		return nil
	}
	return w.beginSession(ctx, ev, d.Repo, typ, "")
}

// handlePrompt resolves a pending repository selection or forwards the
// user's message into an existing session.
func (w *Worker) handlePrompt(ctx context.Context, ev *transport.Event) error {
	body := promptBody(ev)

	if pending, ok := w.router.PendingFor(ev.AgentSessionID); ok {
		repo, err := w.router.ResolveSelection(ev.AgentSessionID, body)
		if err != nil {
			return err
		}
		if ev.IssueID == "" {
			ev.IssueID = pending.IssueID
		}
		return w.beginSession(ctx, ev, repo, session.TypeIssueAssignment, "")
	}

	if s, ok := w.mgr.ForExternalSession(ev.AgentSessionID); ok {
		return w.followUp(ctx, s, body)
	}

	// A prompt on an unknown session opens a fresh comment-thread flow.
	return w.startFlow(ctx, ev, session.TypeCommentThread)
}

func (w *Worker) beginSession(ctx context.Context, ev *transport.Event, repo *config.RepositoryConfig, typ session.Type, parentID string) error {
	issue, err := w.trk.FetchIssue(ctx, ev.IssueID)
	if err != nil {
		return fmt.Errorf("fetching issue: %w", err)
	}

	ws, err := w.workspaces(ctx, repo, issue.Identifier)
	if err != nil {
		return fmt.Errorf("creating workspace: %w", err)
	}

	extID := ev.AgentSessionID
	if extID == "" {
		as, err := w.trk.CreateAgentSessionOnIssue(ctx, tracker.AgentSessionInput{IssueID: issue.ID})
		if err != nil {
			return fmt.Errorf("creating agent session: %w", err)
		}
		extID = as.ID
	}

	proc := procedure.Choose(repo.LabelProcedures, issue.Labels, typ == session.TypeCommentThread,
		w.classify, issue.Title, issue.Description)

	s := w.mgr.Create(ctx, session.CreateParams{
		ExternalSessionID: extID,
		Platform:          w.trk.PlatformType(),
		Type:              typ,
		Issue: session.IssueContext{
			IssueID:         issue.ID,
			IssueIdentifier: issue.Identifier,
		},
		RepoID:        repo.ID,
		Workspace:     ws,
		ParentID:      parentID,
		ProcedureName: proc.Name,
	})

	return w.runCurrentSubroutine(ctx, s.ID, PromptData{})
}

// runCurrentSubroutine renders the prompt for the session's current
// subroutine and spawns a runner for it.
func (w *Worker) runCurrentSubroutine(ctx context.Context, sessionID string, extra PromptData) error {
	s, ok := w.mgr.Get(sessionID)
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	proc, ok := procedure.ByName(s.Procedure.ProcedureName)
	if !ok {
		return fmt.Errorf("unknown procedure %q", s.Procedure.ProcedureName)
	}
	sub := w.engine.Current(proc, &s.Procedure)
	if sub == nil {
		w.finishProcedure(ctx, sessionID)
		return nil
	}

	data, err := w.promptData(ctx, s)
	if err != nil {
		return err
	}
	data.Feedback = extra.Feedback
	data.Iteration = extra.Iteration
	data.MaxIterations = extra.MaxIterations
	data.UserMessage = extra.UserMessage

	tmpl := sub.PromptTemplate
	if extra.Feedback != "" {
		tmpl = "fixer"
	}
	prompt, err := RenderPrompt(tmpl, data)
	if err != nil {
		return err
	}
	return w.startRunner(ctx, s, sub.Name, sub.SuppressThoughtPosting, prompt)
}

func (w *Worker) promptData(ctx context.Context, s *session.Session) (PromptData, error) {
	issue, err := w.trk.FetchIssue(ctx, s.Issue.IssueID)
	if err != nil {
		return PromptData{}, fmt.Errorf("fetching issue: %w", err)
	}
	return PromptData{
		IssueIdentifier:  issue.Identifier,
		IssueTitle:       issue.Title,
		IssueDescription: issue.Description,
		PriorResults:     s.Procedure.Results,
	}, nil
}

func (w *Worker) startRunner(ctx context.Context, s *session.Session, subName string, suppressThoughts bool, prompt string) error {
	repo := w.repoByID(s.RepoID)
	if repo == nil {
		return fmt.Errorf("repository %q not configured", s.RepoID)
	}

	ctx, span := tracing.Tracer("worker").Start(ctx, "runner.start",
		trace.WithAttributes(
			attribute.String("session.id", s.ID),
			attribute.String("subroutine", subName),
			attribute.String("repo.id", repo.ID),
		))
	defer span.End()

	w.mgr.BeginSubroutine(s.ID, subName, suppressThoughts)
	w.mgr.PostPrompt(s.ID, prompt)

	r := w.newRunner(repo)
	w.mgr.AttachRunner(s.ID, r)

	workDir := repo.Path
	if s.Workspace != nil {
		workDir = s.Workspace.Path
	}
	model := w.cfg.Runner.Model
	if repo.Model != "" {
		model = repo.Model
	}

	opts := runner.StartOptions{
		Prompt:          prompt,
		WorkDir:         workDir,
		Model:           model,
		Sandbox:         w.cfg.Runner.Sandbox,
		ResumeSessionID: s.RunnerSessionID,
		MCPConfigPath:   repo.MCPConfigPath,
	}
	if _, err := r.Start(ctx, opts, w.mgr.HandlerFor(s.ID)); err != nil {
		span.RecordError(err)
		w.postError(ctx, s.ExternalSessionID, err.Error())
		w.mgr.Fail(ctx, s.ID, err.Error())
		return err
	}
	w.logger.WithSessionID(s.ID).WithIssue(s.Issue.IssueIdentifier).Info("subroutine started",
		zap.String("subroutine", subName),
		zap.Bool("resumed", s.RunnerSessionID != ""))
	return nil
}

// followUp resumes an existing session with a user message as a single
// conversational turn.
func (w *Worker) followUp(ctx context.Context, s *session.Session, message string) error {
	if s.Status == session.StatusComplete {
		w.mgr.Reactivate(s.ID)
	}
	data, err := w.promptData(ctx, s)
	if err != nil {
		return err
	}
	data.UserMessage = message
	prompt, err := RenderPrompt("followup", data)
	if err != nil {
		return err
	}
	return w.startRunner(ctx, s, "respond", false, prompt)
}

// onSubroutineCompleted drives the procedure forward after each runner
// final or error.
func (w *Worker) onSubroutineCompleted(ctx context.Context, ev *bus.Event) error {
	sessionID, _ := ev.Data[events.KeySessionID].(string)
	pass, _ := ev.Data[events.KeyPass].(bool)
	result, _ := ev.Data[events.KeyResult].(string)
	reason, _ := ev.Data[events.KeyReason].(string)

	s, ok := w.mgr.Get(sessionID)
	if !ok || s.Terminal() || s.Status == session.StatusAwaitingApproval {
		return nil
	}
	proc, ok := procedure.ByName(s.Procedure.ProcedureName)
	if !ok {
		return nil
	}
	sub := w.engine.Current(proc, &s.Procedure)
	if sub == nil {
		// A followup turn on an already-finished procedure.
		w.mgr.Complete(ctx, sessionID)
		return nil
	}

	if !pass {
		return w.handleSubroutineFailure(ctx, s, sub, reason)
	}

	switch {
	case sub.UsesValidationLoop && s.Procedure.Validation.InFixerMode:
		// The fixer finished; rerun the verification subroutine.
		w.mgr.UpdateProcedureState(sessionID, func(ss *session.Session) {
			ss.Procedure.Validation.InFixerMode = false
		})
		w.publish(ctx, events.SubjectValidationRerun, events.ValidationRerun, map[string]any{
			events.KeySessionID: sessionID,
			events.KeyIteration: s.Procedure.Validation.Iteration,
		})
		return nil

	case sub.UsesValidationLoop:
		return w.evaluateValidation(ctx, sessionID, result)

	case sub.RequiresApproval:
		return w.requestApproval(ctx, s, result)

	default:
		w.advanceAndContinue(ctx, sessionID, result)
		return nil
	}
}

func (w *Worker) handleSubroutineFailure(ctx context.Context, s *session.Session, sub *procedure.Subroutine, reason string) error {
	if sub.SingleTurn {
		if synthetic, ok := w.engine.SyntheticResult(&s.Procedure); ok {
			w.logger.WithSessionID(s.ID).Info("recovering single-turn failure with prior result",
				zap.String("reason", reason))
			w.advanceAndContinue(ctx, s.ID, synthetic)
			return nil
		}
	}
	w.mgr.Fail(ctx, s.ID, reason)
	return nil
}

func (w *Worker) evaluateValidation(ctx context.Context, sessionID, result string) error {
	vr := procedure.ParseValidationResult(result)

	var outcome procedure.LoopOutcome
	var iteration int
	w.mgr.UpdateProcedureState(sessionID, func(ss *session.Session) {
		outcome = w.engine.EvaluateValidation(&ss.Procedure, vr)
		iteration = ss.Procedure.Validation.Iteration
	})

	switch outcome {
	case procedure.LoopRunFixer:
		w.publish(ctx, events.SubjectValidationIteration, events.ValidationIteration, map[string]any{
			events.KeySessionID: sessionID,
			events.KeyIteration: iteration,
			events.KeyReason:    vr.Reason,
		})
	case procedure.LoopExhausted:
		if s, ok := w.mgr.Get(sessionID); ok {
			w.postActivity(ctx, s.ExternalSessionID, tracker.ActivityContent{
				Type: tracker.ActivityThought,
				Body: fmt.Sprintf("Verification did not pass after %d attempts; continuing anyway. Last reason: %s",
					w.engine.MaxIterations(), vr.Reason),
			})
		}
		w.advanceAndContinue(ctx, sessionID, result)
	case procedure.LoopAdvance:
		w.advanceAndContinue(ctx, sessionID, result)
	}
	return nil
}

// onValidationIteration runs the fixer turn for a failed verification.
func (w *Worker) onValidationIteration(ctx context.Context, ev *bus.Event) error {
	sessionID, _ := ev.Data[events.KeySessionID].(string)
	reason, _ := ev.Data[events.KeyReason].(string)
	iteration := intFrom(ev.Data[events.KeyIteration])

	return w.runCurrentSubroutine(ctx, sessionID, PromptData{
		Feedback:      reason,
		Iteration:     iteration,
		MaxIterations: w.engine.MaxIterations(),
	})
}

// onValidationRerun reruns the verification subroutine after a fixer turn.
func (w *Worker) onValidationRerun(ctx context.Context, ev *bus.Event) error {
	sessionID, _ := ev.Data[events.KeySessionID].(string)
	return w.runCurrentSubroutine(ctx, sessionID, PromptData{})
}

func (w *Worker) requestApproval(ctx context.Context, s *session.Session, result string) error {
	id := w.approvals.Register(s.ID, result)
	url := fmt.Sprintf("%s/approvals/%s", w.cfg.Tracker.ApprovalBaseURL, id)

	w.mgr.AwaitApproval(s.ID)
	_, err := w.trk.CreateAgentActivity(ctx, tracker.ActivityInput{
		AgentSessionID: s.ExternalSessionID,
		Content: tracker.ActivityContent{
			Type: tracker.ActivityElicitation,
			Body: "This plan needs your approval before work begins.",
		},
		Signal:         "approval",
		SignalMetadata: map[string]string{"url": url},
	})
	if err != nil {
		w.logger.Error("failed to post approval elicitation", zap.Error(err))
	}
	w.logger.WithSessionID(s.ID).Info("approval requested",
		zap.String("approval_url", url))
	return nil
}

// onApprovalResolved is the registry callback: approve continues the
// procedure, reject and timeout fail it.
func (w *Worker) onApprovalResolved(sessionID, subroutineResult string, res ApprovalResolution, err error) {
	ctx := context.Background()
	s, ok := w.mgr.Get(sessionID)
	if !ok || s.Terminal() {
		return
	}

	if err != nil {
		w.postError(ctx, s.ExternalSessionID, err.Error())
		w.mgr.Fail(ctx, sessionID, err.Error())
		return
	}

	w.mgr.ResumeFromApproval(sessionID)
	if res.Feedback != "" {
		w.postActivity(ctx, s.ExternalSessionID, tracker.ActivityContent{
			Type: tracker.ActivityThought,
			Body: "Reviewer feedback: " + res.Feedback,
		})
	}
	w.advanceAndContinue(ctx, sessionID, subroutineResult)
}

func (w *Worker) advanceAndContinue(ctx context.Context, sessionID, result string) {
	var complete bool
	w.mgr.UpdateProcedureState(sessionID, func(ss *session.Session) {
		w.engine.Advance(&ss.Procedure, result)
		if proc, ok := procedure.ByName(ss.Procedure.ProcedureName); ok {
			complete = w.engine.Complete(proc, &ss.Procedure)
		}
	})
	if complete {
		w.finishProcedure(ctx, sessionID)
		return
	}
	if err := w.runCurrentSubroutine(ctx, sessionID, PromptData{}); err != nil {
		w.logger.WithSessionID(sessionID).WithError(err).Error("failed to start next subroutine")
		w.mgr.Fail(ctx, sessionID, err.Error())
	}
}

// finishProcedure completes the session and, for child sessions, resumes
// the parent with the child's result.
func (w *Worker) finishProcedure(ctx context.Context, sessionID string) {
	s, ok := w.mgr.Get(sessionID)
	if !ok {
		return
	}
	w.mgr.Complete(ctx, sessionID)

	if s.ParentID == "" {
		return
	}
	parent, ok := w.mgr.Get(s.ParentID)
	if !ok || parent.Terminal() {
		return
	}
	prompt := ParentResumePrompt(s.Issue.IssueIdentifier, w.engine.LastResult(&s.Procedure))
	if err := w.startRunner(ctx, parent, "resume", false, prompt); err != nil {
		// Parent-resume failures never affect the child's terminal state.
		w.logger.Error("failed to resume parent session",
			zap.String("parent_id", parent.ID),
			zap.String("child_id", s.ID),
			zap.Error(err))
	}
}

// StartChildSession opens a session for a sub-issue whose completion will
// resume the parent.
func (w *Worker) StartChildSession(ctx context.Context, parentID string, ev *transport.Event) error {
	parent, ok := w.mgr.Get(parentID)
	if !ok {
		return fmt.Errorf("parent session %s not found", parentID)
	}
	repo := w.repoByID(parent.RepoID)
	if repo == nil {
		return fmt.Errorf("repository %q not configured", parent.RepoID)
	}
	return w.beginSession(ctx, ev, repo, session.TypeIssueAssignment, parentID)
}

func (w *Worker) repoByID(id string) *config.RepositoryConfig {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.repos[id]
}

func (w *Worker) postActivity(ctx context.Context, externalSessionID string, content tracker.ActivityContent) {
	if _, err := w.trk.CreateAgentActivity(ctx, tracker.ActivityInput{
		AgentSessionID: externalSessionID,
		Content:        content,
	}); err != nil {
		w.logger.Error("failed to post activity", zap.Error(err))
	}
}

func (w *Worker) postError(ctx context.Context, externalSessionID, msg string) {
	w.postActivity(ctx, externalSessionID, tracker.ActivityContent{
		Type: tracker.ActivityError,
		Body: msg,
	})
}

func (w *Worker) publish(ctx context.Context, subject, eventType string, data map[string]any) {
	if err := w.bus.Publish(ctx, subject, bus.NewEvent(eventType, "worker", data)); err != nil {
		w.logger.Error("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

// promptBody digs the user's message out of a prompted webhook payload.
func promptBody(ev *transport.Event) string {
	for _, key := range []string{"agentActivity", "notification", "comment"} {
		obj, ok := ev.Raw[key].(map[string]any)
		if !ok {
			continue
		}
		if content, ok := obj["content"].(map[string]any); ok {
			if body, ok := content["body"].(string); ok {
				return body
			}
		}
		if body, ok := obj["body"].(string); ok {
			return body
		}
	}
	if body, ok := ev.Raw["body"].(string); ok {
		return body
	}
	return ""
}

func intFrom(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
