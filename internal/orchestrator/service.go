// Package orchestrator drives the task lifecycle:
// idle → agent_processing → agent_responded | error.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/taskrunner/internal/agent"
	"github.com/nextlevelbuilder/taskrunner/internal/scheduler"
	"github.com/nextlevelbuilder/taskrunner/internal/store"
	"github.com/nextlevelbuilder/taskrunner/internal/stream"
	"github.com/nextlevelbuilder/taskrunner/pkg/protocol"
)

const tracerName = "github.com/nextlevelbuilder/taskrunner/internal/orchestrator"

// AgentBuilder assembles the agent for one execution. A missing agent must
// produce an error wrapping store.ErrNotFound.
type AgentBuilder interface {
	BuildAgent(ctx context.Context, agentID string) (agent.Agent, error)
}

// Config wires a Service.
type Config struct {
	Tasks     store.TaskStore
	Agents    AgentBuilder
	Lane      *scheduler.Lane  // execution lane; a private lane is created when nil
	Publisher stream.Publisher // optional live fan-out
}

// Service is the task lifecycle orchestrator. It is the only writer of task_status.
type Service struct {
	tasks     store.TaskStore
	agents    AgentBuilder
	lane      *scheduler.Lane
	ownsLane  bool
	publisher stream.Publisher
	tracer    trace.Tracer

	mu       sync.Mutex
	pending  map[*queuedRun]struct{} // submitted but not yet started
	inflight sync.WaitGroup          // started executions
	stopping chan struct{}
}

// queuedRun is an execution waiting for a lane worker.
type queuedRun struct {
	ctx    context.Context
	span   trace.Span
	taskID string
	sink   *stream.Sink
	done   chan outcome
}

func NewService(cfg Config) *Service {
	s := &Service{
		tasks:     cfg.Tasks,
		agents:    cfg.Agents,
		lane:      cfg.Lane,
		publisher: cfg.Publisher,
		tracer:    otel.Tracer(tracerName),
		pending:   make(map[*queuedRun]struct{}),
		stopping:  make(chan struct{}),
	}
	if s.lane == nil {
		s.lane = scheduler.NewLane(scheduler.LaneTasks, 8)
		s.ownsLane = true
	}
	return s
}

// outcome is what an execution hands back to the waiting request.
type outcome struct {
	content string
	status  store.TaskStatus
	err     *Error
}

// ProcessTaskMessage runs the agent on a new user message of the task and
// persists the result. The execution continues on a detached context when
// ctx is canceled; the request then returns ctx.Err() while the task
// finishes in the background.
func (s *Service) ProcessTaskMessage(ctx context.Context, taskID, agentID, userMessage string) (*protocol.ProcessTaskResponse, error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.process_task", trace.WithAttributes(
		attribute.String("task.id", taskID),
		attribute.String("agent.id", agentID),
	))
	defer span.End()

	if err := s.tasks.ClaimForProcessing(ctx, taskID); err != nil {
		oe := claimError(err)
		recordError(span, oe)
		return nil, oe
	}

	// Writes after the claim must land even if the caller goes away.
	bg := context.WithoutCancel(ctx)

	rows, err := s.tasks.History(bg, taskID)
	if err != nil {
		return nil, s.abort(bg, span, taskID, nil, upstream("Error reading chat history", err))
	}
	if _, err := s.tasks.AppendMessage(bg, taskID, store.RoleUser, userMessage); err != nil {
		return nil, s.abort(bg, span, taskID, nil, upstream("Error inserting user message", err))
	}
	sink, err := stream.Open(bg, s.tasks, s.publisher, taskID)
	if err != nil {
		return nil, s.abort(bg, span, taskID, nil, upstream("Error creating streaming record", err))
	}

	done := make(chan outcome, 1)
	req := agent.RunRequest{
		TaskID:  taskID,
		History: agent.HistoryMessages(rows),
		Message: userMessage,
		OnToken: sink.Append,
	}
	run := &queuedRun{ctx: bg, span: span, taskID: taskID, sink: sink, done: done}
	if !s.enqueue(run) {
		return nil, s.abort(bg, span, taskID, sink, upstream("Service is shutting down", ErrShuttingDown))
	}
	err = s.lane.Submit(ctx, func() {
		if !s.start(run) {
			// Drain already failed this run.
			return
		}
		defer s.inflight.Done()
		done <- s.execute(bg, agentID, req, sink)
	})
	if err != nil && s.dequeue(run) {
		return nil, s.abort(bg, span, taskID, sink, upstream("Error scheduling execution", err))
	}

	select {
	case out := <-done:
		span.SetAttributes(attribute.String("task.status", string(out.status)))
		if out.err != nil {
			recordError(span, out.err)
			return &protocol.ProcessTaskResponse{
				Success: false,
				Message: out.err.Detail,
				TaskID:  taskID,
				Status:  string(out.status),
			}, out.err
		}
		return &protocol.ProcessTaskResponse{
			Success:       true,
			Message:       "Task processed successfully",
			TaskID:        taskID,
			Status:        string(out.status),
			AgentResponse: out.content,
		}, nil
	case <-ctx.Done():
		slog.Info("orchestrator: caller went away, execution continues", "task_id", taskID)
		return nil, ctx.Err()
	}
}

// execute runs on the lane. It builds and runs the agent, then writes the
// terminal state.
func (s *Service) execute(ctx context.Context, agentID string, req agent.RunRequest, sink *stream.Sink) outcome {
	ctx, span := s.tracer.Start(ctx, "orchestrator.execute", trace.WithAttributes(
		attribute.String("task.id", req.TaskID),
		attribute.String("agent.id", agentID),
	))
	defer span.End()

	start := time.Now()
	res, err := s.run(ctx, agentID, req)
	if err != nil {
		var oe *Error
		if errors.Is(err, store.ErrNotFound) {
			oe = notFound(fmt.Sprintf("Agent with id %s not found", agentID), err)
		} else {
			oe = upstream("Error processing task: "+agent.FormatRunError(err), err)
		}
		slog.Warn("orchestrator: execution failed", "task_id", req.TaskID, "agent", agentID, "error", err)
		return outcome{status: store.TaskError, err: s.abort(ctx, span, req.TaskID, sink, oe)}
	}

	span.SetAttributes(
		attribute.Int("agent.iterations", res.Iterations),
		attribute.Int("agent.tool_calls", res.ToolCalls),
		attribute.Int("stream.tokens", sink.Tokens()),
	)

	if err := sink.Finalize(ctx, res.Content); err != nil {
		return outcome{status: store.TaskError, err: s.abort(ctx, span, req.TaskID, sink, upstream("Error finalizing streaming record", err))}
	}
	if _, err := s.tasks.AppendMessage(ctx, req.TaskID, store.RoleAssistant, res.Content); err != nil {
		return outcome{status: store.TaskError, err: s.abort(ctx, span, req.TaskID, sink, upstream("Error inserting agent response", err))}
	}
	if err := s.tasks.SetStatus(ctx, req.TaskID, store.TaskAgentResponded); err != nil {
		return outcome{status: store.TaskError, err: s.abort(ctx, span, req.TaskID, sink, upstream("Error updating task status", err))}
	}

	slog.Info("orchestrator: task processed",
		"task_id", req.TaskID, "agent", agentID,
		"iterations", res.Iterations, "tool_calls", res.ToolCalls,
		"duration", time.Since(start).Round(time.Millisecond))
	return outcome{content: res.Content, status: store.TaskAgentResponded}
}

// run builds and runs the agent. A panic is turned into an error so the
// task always reaches a terminal state.
func (s *Service) run(ctx context.Context, agentID string, req agent.RunRequest) (res *agent.RunResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("execution panicked: %v", r)
		}
	}()
	a, err := s.agents.BuildAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return a.Run(ctx, req)
}

// abort rolls the task back to error: status, streaming record and a
// best-effort error message. Rollback failures are logged and recorded on
// the span but never replace the original error.
func (s *Service) abort(ctx context.Context, span trace.Span, taskID string, sink *stream.Sink, cause *Error) *Error {
	recordError(span, cause)

	if err := s.tasks.SetStatus(ctx, taskID, store.TaskError); err != nil {
		s.rollbackFailed(span, taskID, "set status", err)
	}
	if sink != nil && !sink.Closed() {
		if err := sink.Fail(ctx, cause.Detail); err != nil {
			s.rollbackFailed(span, taskID, "fail stream", err)
		}
	}
	if _, err := s.tasks.AppendMessage(ctx, taskID, store.RoleAssistant, "Error: "+cause.Detail); err != nil {
		s.rollbackFailed(span, taskID, "insert error message", err)
	}
	return cause
}

func (s *Service) rollbackFailed(span trace.Span, taskID, step string, err error) {
	slog.Warn("orchestrator: rollback step failed", "task_id", taskID, "step", step, "error", err)
	span.AddEvent("rollback_failed", trace.WithAttributes(
		attribute.String("step", step),
		attribute.String("error", err.Error()),
	))
}

func recordError(span trace.Span, err *Error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, string(err.Kind))
}

// TaskStatus reports the status of a task; absent tasks report not_found.
func (s *Service) TaskStatus(ctx context.Context, taskID string) (*protocol.TaskStatusResponse, error) {
	status, err := s.tasks.GetStatus(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return &protocol.TaskStatusResponse{TaskID: taskID, Status: string(store.TaskNotFound), Exists: false}, nil
	}
	if err != nil {
		return nil, upstream("Error checking task status", err)
	}
	return &protocol.TaskStatusResponse{TaskID: taskID, Status: string(status), Exists: true}, nil
}

// TaskHistory returns every chat row of the task, streaming records included.
func (s *Service) TaskHistory(ctx context.Context, taskID string) (*protocol.TaskHistoryResponse, error) {
	exists, err := s.tasks.TaskExists(ctx, taskID)
	if err != nil {
		return nil, upstream("Error reading task", err)
	}
	if !exists {
		return nil, notFound("Task not found", store.ErrNotFound)
	}
	rows, err := s.tasks.ListChats(ctx, taskID)
	if err != nil {
		return nil, upstream("Error reading chat history", err)
	}
	out := &protocol.TaskHistoryResponse{TaskID: taskID, Messages: make([]protocol.ChatMessage, 0, len(rows))}
	for _, r := range rows {
		out.Messages = append(out.Messages, protocol.ChatMessage{
			ID:          r.ID,
			Role:        r.Role,
			Content:     r.Content,
			Kind:        string(r.Kind),
			StreamState: string(r.StreamState),
			CreatedAt:   r.CreatedAt,
		})
	}
	return out, nil
}

// OpenStream returns the open streaming record of a task, if any. Used to
// replay persisted tokens to late subscribers.
func (s *Service) OpenStream(ctx context.Context, taskID string) (*store.ChatMessage, error) {
	rows, err := s.tasks.ListChats(ctx, taskID)
	if err != nil {
		return nil, err
	}
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].Kind == store.ChatKindStream {
			if rows[i].StreamState == store.StreamOpen {
				return &rows[i], nil
			}
			return nil, nil
		}
	}
	return nil, nil
}

// Drain rejects new executions and fails every queued one right away, so
// no task is left in agent_processing by a shutdown that times out. It then
// waits for running executions or ctx, and stops a lane owned by the service.
func (s *Service) Drain(ctx context.Context) error {
	s.mu.Lock()
	select {
	case <-s.stopping:
	default:
		close(s.stopping)
	}
	queued := s.pending
	s.pending = make(map[*queuedRun]struct{})
	s.mu.Unlock()

	if len(queued) > 0 {
		slog.Info("orchestrator: failing queued executions", "count", len(queued))
	}
	for run := range queued {
		run.done <- outcome{status: store.TaskError, err: s.abort(run.ctx, run.span, run.taskID, run.sink, upstream("Service is shutting down", ErrShuttingDown))}
	}

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if s.ownsLane {
		s.lane.Stop()
	}
	return err
}

// enqueue registers run as pending. It fails once Drain has started.
func (s *Service) enqueue(run *queuedRun) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.stopping:
		return false
	default:
	}
	s.pending[run] = struct{}{}
	return true
}

// start moves run from pending to in flight. It reports false when Drain
// has already taken the run.
func (s *Service) start(run *queuedRun) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[run]; !ok {
		return false
	}
	delete(s.pending, run)
	s.inflight.Add(1)
	return true
}

func (s *Service) dequeue(run *queuedRun) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[run]; !ok {
		return false
	}
	delete(s.pending, run)
	return true
}
