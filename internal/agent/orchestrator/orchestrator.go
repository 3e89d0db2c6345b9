// Package orchestrator ties classification, routing, and worker execution
// into the single per-turn pipeline the UI drives: classify the prompt,
// route it to a worker, stream that worker's events back, and reroute on
// a reroutable failure before giving up.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/orchestrator-core/internal/agent"
	"github.com/haasonsaas/orchestrator-core/internal/agent/classifier"
	"github.com/haasonsaas/orchestrator-core/internal/agent/routing"
	"github.com/haasonsaas/orchestrator-core/internal/agent/trust"
	"github.com/haasonsaas/orchestrator-core/internal/agent/worker"
	"github.com/haasonsaas/orchestrator-core/internal/skills"
)

// eventChannelSize is the minimum bounded-channel size between a worker
// and the UI relay, so a slow relay paces the upstream stream rather than
// dropping events.
const eventChannelSize = 32

// ToolExecutionTimeout bounds how long a remote tool call may sit in the
// bridge awaiting a UI response.
const ToolExecutionTimeout = 5 * time.Minute

// Envelope wraps a WorkerEvent with the conversation it belongs to, the
// shape relayed across the UI event transport.
type Envelope struct {
	ConversationID string
	SubtaskID      string
	Event          worker.WorkerEvent
}

// Transition is emitted before a worker is spawned or rerouted so the UI
// can show which model and task type are handling the turn.
type Transition struct {
	ConversationID  string
	ModelName       string
	TaskDescription string
}

// WorkerFactory builds the Worker for a routing decision. The
// orchestrator never type-switches on WorkerType beyond dispatching to
// the right factory entry point.
type WorkerFactory interface {
	Build(ctx context.Context, decision routing.RoutingDecision) (worker.Worker, error)
}

// EvalRecorder persists the partial eval feature vector once a turn ends,
// without yet knowing user satisfaction. *trust.Store satisfies this
// directly via RecordSignal; satisfaction is filled in later by a
// separate submit_satisfaction call against the same message_id.
type EvalRecorder interface {
	RecordSignal(ctx context.Context, sig trust.EvalSignal) error
}

// Metrics receives per-turn counters; *observability.Metrics satisfies
// this directly. Nil is a valid Orchestrator field and disables
// recording rather than panicking, so tests can omit it.
type Metrics interface {
	RecordWorker(workerType, modelID, outcome string, durationSeconds float64)
	RecordReroute(taskType, outcome string)
}

// session tracks one in-flight orchestrate() call so cancel() can reach
// the worker driving it.
type session struct {
	worker      worker.Worker
	triedModels []string
	cancel      context.CancelFunc
}

// Orchestrator is the process-lifetime container for active sessions; it
// is safe for concurrent use across conversations.
type Orchestrator struct {
	router    *routing.Router
	trust     *trust.Store
	workers   WorkerFactory
	eval      EvalRecorder
	metrics   Metrics
	skillsMgr *skills.Manager
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// Trust exposes the underlying trust store for debug tooling (the
// `trust show` CLI subcommand), not for use in the orchestrate() path.
func (o *Orchestrator) Trust() *trust.Store { return o.trust }

// New builds an Orchestrator.
func New(router *routing.Router, trustStore *trust.Store, workers WorkerFactory, eval EvalRecorder) *Orchestrator {
	return &Orchestrator{
		router:   router,
		trust:    trustStore,
		workers:  workers,
		eval:     eval,
		logger:   slog.Default().With("component", "orchestrator"),
		sessions: make(map[string]*session),
	}
}

// WithMetrics attaches a Metrics sink, returning the same Orchestrator
// for chaining at construction time.
func (o *Orchestrator) WithMetrics(m Metrics) *Orchestrator {
	o.metrics = m
	return o
}

// WithSkills attaches a skill manager used to fill in Request.Skills when
// a caller doesn't already know which skills are installed, returning the
// same Orchestrator for chaining at construction time.
func (o *Orchestrator) WithSkills(mgr *skills.Manager) *Orchestrator {
	o.skillsMgr = mgr
	return o
}

// Request carries one orchestrate() call's inputs.
type Request struct {
	ConversationID string
	MessageID      string // id of the assistant message row this turn will populate, assigned by the caller's persistence layer
	Prompt         string
	History        []agent.CompletionMessage
	Capabilities   routing.UserCapabilities
	Skills         []classifier.Skill
	SystemPrompt   string
	Tools          []agent.Tool
}

// eligibleSkills converts the manager's gated skill list to the lightweight
// descriptors classifier.Classify expects.
func eligibleSkills(mgr *skills.Manager) []classifier.Skill {
	entries := mgr.ListEligible()
	out := make([]classifier.Skill, len(entries))
	for i, e := range entries {
		out[i] = classifier.Skill{
			Slug:        e.ConfigKey(),
			Name:        e.Name,
			Description: e.Description,
			Path:        e.Path,
		}
	}
	return out
}

// Orchestrate runs the classify -> route -> execute -> reroute pipeline
// for one turn, emitting Transitions and Envelopes to the given channels
// until a terminal event ends the turn. It returns once the turn is
// fully resolved (completed, failed non-reroutably, or exhausted
// reroutes); callers typically run it in its own goroutine.
func (o *Orchestrator) Orchestrate(ctx context.Context, req Request, transitions chan<- Transition, envelopes chan<- Envelope) error {
	if req.Skills == nil && o.skillsMgr != nil {
		req.Skills = eligibleSkills(o.skillsMgr)
	}
	classification := classifier.Classify(req.Prompt, req.Skills)

	decision, err := o.router.Route(ctx, classification, req.Capabilities)
	if err != nil {
		return fmt.Errorf("orchestrator: route: %w", err)
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	sess := &session{triedModels: []string{decision.ModelID}, cancel: cancel}
	o.mu.Lock()
	o.sessions[req.ConversationID] = sess
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.sessions, req.ConversationID)
		o.mu.Unlock()
		cancel()
	}()

	transitions <- Transition{
		ConversationID:  req.ConversationID,
		ModelName:       humanizeModel(decision.ModelID),
		TaskDescription: humanizeTask(classification.TaskType),
	}

	for attempt := 0; ; attempt++ {
		w, err := o.workers.Build(sessionCtx, decision)
		if err != nil {
			return fmt.Errorf("orchestrator: build worker: %w", err)
		}

		o.mu.Lock()
		sess.worker = w
		o.mu.Unlock()

		events := make(chan worker.WorkerEvent, eventChannelSize)
		workerErr := make(chan error, 1)
		started := time.Now()

		go func() {
			workerErr <- w.Execute(sessionCtx, worker.Request{
				ModelID:      decision.ModelID,
				SystemPrompt: req.SystemPrompt,
				History:      req.History,
				Tools:        req.Tools,
			}, events)
		}()

		var terminal *worker.WorkerEvent
		for ev := range events {
			e := ev
			envelopes <- Envelope{ConversationID: req.ConversationID, Event: e}
			if e.Kind == worker.EventComplete || e.Kind == worker.EventError {
				terminal = &e
			}
		}
		execErr := <-workerErr
		elapsed := time.Since(started).Seconds()

		if terminal == nil || terminal.Kind == worker.EventComplete {
			o.recordWorkerMetric(decision, "complete", elapsed)
			o.recordPartialEval(sessionCtx, req.MessageID, classification, decision)
			return nil
		}
		o.recordWorkerMetric(decision, "error", elapsed)

		reroutable := routing.IsReroutableError(0, errString(terminal.Err))
		if !reroutable || attempt >= routing.MaxRerouteAttempts {
			o.recordReroute(classification, "exhausted")
			o.recordPartialEval(sessionCtx, req.MessageID, classification, decision)
			return execErr
		}

		nextModel, reason, ok := o.router.RerouteOnFailure(sessionCtx, string(classification.TaskType), sess.triedModels, req.Capabilities.AvailableModels, req.Capabilities)
		if !ok {
			o.recordReroute(classification, "exhausted")
			o.recordPartialEval(sessionCtx, req.MessageID, classification, decision)
			return execErr
		}
		o.recordReroute(classification, "rerouted")

		o.router.MarkUnhealthy(decision.ModelID)
		sess.triedModels = append(sess.triedModels, nextModel)
		decision.ModelID = nextModel
		decision.Reason = reason

		transitions <- Transition{
			ConversationID:  req.ConversationID,
			ModelName:       humanizeModel(nextModel),
			TaskDescription: humanizeTask(classification.TaskType),
		}
		o.logger.Info("rerouting after failure", "conversation_id", req.ConversationID, "next_model", nextModel, "reason", reason)
	}
}

// Cancel instructs the worker driving conversationID to stop, if one is
// active. It is a no-op if the conversation has already ended.
func (o *Orchestrator) Cancel(conversationID string) {
	o.mu.Lock()
	sess, ok := o.sessions[conversationID]
	o.mu.Unlock()
	if !ok {
		return
	}
	if sess.worker != nil {
		sess.worker.Cancel()
	}
	sess.cancel()
}

func (o *Orchestrator) recordWorkerMetric(d routing.RoutingDecision, outcome string, durationSeconds float64) {
	if o.metrics == nil {
		return
	}
	o.metrics.RecordWorker(string(d.WorkerType), d.ModelID, outcome, durationSeconds)
}

func (o *Orchestrator) recordReroute(c classifier.TaskClassification, outcome string) {
	if o.metrics == nil {
		return
	}
	o.metrics.RecordReroute(string(c.TaskType), outcome)
}

func (o *Orchestrator) recordPartialEval(ctx context.Context, messageID string, c classifier.TaskClassification, d routing.RoutingDecision) {
	if o.eval == nil || messageID == "" {
		return
	}
	sig := trust.EvalSignal{
		MessageID:  messageID,
		TaskType:   string(c.TaskType),
		ModelID:    d.ModelID,
		WorkerType: string(d.WorkerType),
	}
	if err := o.eval.RecordSignal(ctx, sig); err != nil {
		o.logger.Warn("failed to record partial eval signal", "error", err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func humanizeModel(modelID string) string {
	if modelID == "" {
		return "an available model"
	}
	return modelID
}

func humanizeTask(t classifier.TaskType) string {
	switch t {
	case classifier.TaskCodeGeneration:
		return "writing code"
	case classifier.TaskFileOperations:
		return "working with files"
	case classifier.TaskResearch:
		return "researching"
	case classifier.TaskDocumentGeneration:
		return "drafting a document"
	default:
		return "chatting"
	}
}
