package engine

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/watt/pkg/core"
	"github.com/jllopis/watt/pkg/errors"
	"github.com/jllopis/watt/pkg/governance"
	"github.com/jllopis/watt/pkg/telemetry"
)

type outcome int

const (
	outcomeGranted outcome = iota
	outcomeDenied
	outcomeExpired
	outcomeCancelled
)

// suspend parks the run on call until a human decides. The snapshot and the
// waiting run are written before the approval record: once the record
// exists it can be resolved from anywhere, and the resolver works from the
// store alone.
func (e *Engine) suspend(ctx context.Context, s *session, call core.ToolCall, d governance.Decision) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = e.cfg.ApprovalTimeout
	}
	now := time.Now().UTC()
	rec := governance.ApprovalRecord{
		ID:           "apr-" + uuid.NewString(),
		RunID:        s.run.ID,
		AgentID:      s.run.AgentID,
		TenantID:     s.run.TenantID,
		CallID:       call.ID,
		ToolName:     call.ToolName,
		ToolInput:    call.Input,
		WorkflowID:   d.WorkflowID,
		RuleID:       d.RuleID,
		ApproverRole: d.ApproverRole,
		Reason:       d.Reason,
		Status:       governance.ApprovalPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(timeout),
	}

	if err := e.transition(s, core.RunWaitingApproval); err != nil {
		e.fail(ctx, s, err)
		return
	}
	s.run.PendingApproval = &core.PendingApproval{
		ApprovalID: rec.ID,
		CallID:     call.ID,
		ToolName:   call.ToolName,
		WorkflowID: d.WorkflowID,
		Reason:     d.Reason,
		ExpiresAt:  rec.ExpiresAt,
	}

	pctx := context.WithoutCancel(ctx)
	if err := e.saveState(pctx, s); err != nil {
		e.fail(ctx, s, storageError("save run state", err))
		return
	}
	if err := e.store.SaveRun(pctx, s.run); err != nil {
		e.fail(ctx, s, storageError("save run", err))
		return
	}
	if err := e.store.CreateApproval(pctx, rec); err != nil {
		e.fail(ctx, s, storageError("create approval", err))
		return
	}
	s.approval = &rec

	trace.SpanFromContext(ctx).SetAttributes(attribute.String(telemetry.AttrApprovalID, rec.ID))
	e.logger.InfoContext(ctx, "engine.run.waiting",
		slog.String("run_id", s.run.ID),
		slog.String("approval_id", rec.ID),
		slog.String("tool", call.ToolName),
		slog.Time("expires_at", rec.ExpiresAt),
	)
	e.emit(ctx, core.EventRunWaiting, s.run, map[string]any{
		"approval_id": rec.ID,
		"tool_name":   call.ToolName,
		"call_id":     call.ID,
		"expires_at":  rec.ExpiresAt,
	})
}

// announce arms the expiry timer and tells the notifier. It runs only after
// the waiting run is persisted, so neither can observe an unsaved run.
func (e *Engine) announce(ctx context.Context, rec governance.ApprovalRecord) {
	e.arm(rec)
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, rec); err != nil {
		e.logger.WarnContext(ctx, "engine.approval.notify.failed",
			slog.String("approval_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) saveState(ctx context.Context, s *session) error {
	s.state.Memory = s.memory.Snapshot()
	s.state.Metrics = s.run.Metrics
	raw, err := s.state.Marshal()
	if err != nil {
		return err
	}
	return e.store.SaveState(ctx, s.run.ID, raw)
}

// Approve grants a pending approval and resumes its run.
func (e *Engine) Approve(ctx context.Context, approvalID, reason string) (*core.AgentRun, error) {
	if reason == "" {
		reason = "approved"
	}
	return e.resolve(ctx, approvalID, governance.ApprovalApproved, reason, outcomeGranted)
}

// Deny rejects a pending approval; its run fails with APPROVAL_DENIED.
func (e *Engine) Deny(ctx context.Context, approvalID, reason string) (*core.AgentRun, error) {
	if reason == "" {
		reason = "denied"
	}
	return e.resolve(ctx, approvalID, governance.ApprovalRejected, reason, outcomeDenied)
}

// Resume resolves the approval a waiting run is blocked on.
func (e *Engine) Resume(ctx context.Context, runID string, granted bool, reason string) (*core.AgentRun, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, lookupError("run", runID, err)
	}
	if run.Status != core.RunWaitingApproval || run.PendingApproval == nil {
		return nil, conflict("run %s is %s, not waiting for approval", runID, run.Status)
	}
	if granted {
		return e.Approve(ctx, run.PendingApproval.ApprovalID, reason)
	}
	return e.Deny(ctx, run.PendingApproval.ApprovalID, reason)
}

// ExpireApprovals fails every run whose approval passed its deadline and
// returns how many were expired.
func (e *Engine) ExpireApprovals(ctx context.Context) (int, error) {
	recs, err := e.store.ExpiredApprovals(ctx, time.Now().UTC())
	if err != nil {
		return 0, storageError("list expired approvals", err)
	}
	var (
		n    int
		errs []error
	)
	for _, rec := range recs {
		_, err := e.resolve(ctx, rec.ID, governance.ApprovalExpired, "approval timed out", outcomeExpired)
		switch {
		case err == nil:
			n++
		case errors.IsCode(err, errors.CodeConflict):
		default:
			errs = append(errs, err)
		}
	}
	return n, stderrors.Join(errs...)
}

// resolve is the single path out of waiting_approval. The compare-and-set in
// the store decides races between Approve, Deny, Cancel and the timers.
// A decision that arrives after the deadline expires the approval instead,
// whether or not the timer fired.
func (e *Engine) resolve(ctx context.Context, approvalID string, status governance.ApprovalStatus, reason string, out outcome) (*core.AgentRun, error) {
	now := time.Now().UTC()
	if status != governance.ApprovalExpired {
		cur, err := e.store.GetApproval(ctx, approvalID)
		if err != nil {
			return nil, lookupError("approval", approvalID, err)
		}
		if cur.Overdue(now) {
			e.logger.InfoContext(ctx, "engine.approval.overdue",
				slog.String("approval_id", approvalID),
				slog.String("requested", string(status)),
				slog.Time("expires_at", cur.ExpiresAt),
			)
			status, reason, out = governance.ApprovalExpired, "approval timed out", outcomeExpired
		}
	}
	rec, err := e.store.ResolveApproval(ctx, approvalID, status, reason, now)
	if err != nil {
		return nil, lookupError("approval", approvalID, err)
	}
	e.disarm(approvalID)
	e.metrics.ApprovalResolved(ctx, string(status))
	e.logger.InfoContext(ctx, "engine.approval.resolved",
		slog.String("approval_id", rec.ID),
		slog.String("run_id", rec.RunID),
		slog.String("status", string(status)),
	)
	return e.continueRun(ctx, rec, out)
}

func (e *Engine) continueRun(ctx context.Context, rec governance.ApprovalRecord, out outcome) (*core.AgentRun, error) {
	run, err := e.store.GetRun(ctx, rec.RunID)
	if err != nil {
		return nil, lookupError("run", rec.RunID, err)
	}
	if run.Status != core.RunWaitingApproval {
		return nil, conflict("run %s is %s, not waiting for approval", run.ID, run.Status)
	}
	state := newState(run)
	if raw, err := e.store.LoadState(ctx, run.ID); err == nil {
		if st, derr := UnmarshalState(raw); derr == nil {
			state = st
		} else {
			e.logger.WarnContext(ctx, "engine.state.decode.failed", slog.String("run_id", run.ID), slog.String("error", derr.Error()))
		}
	} else {
		e.logger.WarnContext(ctx, "engine.state.load.failed", slog.String("run_id", run.ID), slog.String("error", err.Error()))
	}
	state.Status = run.Status

	ctx, span := e.tracer.Start(core.WithTenantID(core.WithRunID(ctx, run.ID), run.TenantID), "engine.run",
		trace.WithAttributes(telemetry.RunAttributes(run.AgentID, run.TenantID, run.ID, 0)...),
		trace.WithAttributes(attribute.Bool(telemetry.AttrRunResumed, true), attribute.String(telemetry.AttrApprovalID, rec.ID)))
	defer span.End()

	var s *session
	if def, err := e.catalog.Get(ctx, run.AgentID); err != nil {
		s = e.bareSession(run, state)
		if out == outcomeGranted {
			e.fail(ctx, s, configurationError(err))
			return e.persist(ctx, s, span)
		}
	} else if s, err = e.newSession(def, run, state); err != nil {
		s = e.bareSession(run, state)
		if out == outcomeGranted {
			e.fail(ctx, s, err)
			return e.persist(ctx, s, span)
		}
	}

	ctx, release := e.track(ctx, run.ID)
	defer release()

	switch out {
	case outcomeGranted:
		s.run.PendingApproval = nil
		if err := e.transition(s, core.RunRunning); err != nil {
			return nil, err
		}
		if len(s.state.Pending) > 0 && s.state.Pending[0].ID == rec.CallID {
			s.state.ApprovedCallID = rec.CallID
		}
		e.logger.InfoContext(ctx, "engine.run.resumed", slog.String("run_id", run.ID), slog.String("approval_id", rec.ID))
		e.emit(ctx, core.EventRunResumed, s.run, map[string]any{"approval_id": rec.ID})
		e.drain(ctx, s)
		e.loop(ctx, s)
	case outcomeDenied:
		e.reject(ctx, s, rec, "approval denied: "+rec.Resolution)
		e.fail(ctx, s, approvalDenied(rec))
	case outcomeExpired:
		e.reject(ctx, s, rec, "approval timed out")
		e.fail(ctx, s, approvalTimeout(rec))
	case outcomeCancelled:
		e.reject(ctx, s, rec, "run cancelled")
		e.fail(ctx, s, cancelled(context.Canceled))
	}
	run, err = e.persist(ctx, s, span)
	return e.settle(ctx, release, run, err)
}

// reject records the result of the call that was waiting for approval.
func (e *Engine) reject(ctx context.Context, s *session, rec governance.ApprovalRecord, msg string) {
	if len(s.state.Pending) == 0 || s.state.Pending[0].ID != rec.CallID {
		return
	}
	call := s.state.Pending[0]
	e.recordResult(ctx, s, core.ToolCallResult{
		ID:       call.ID,
		ToolName: call.ToolName,
		Input:    call.Input,
		Error:    msg,
		Approved: core.BoolPtr(false),
	})
}

// arm schedules the in-process expiry of rec. The runtime sweeper covers
// approvals whose timer was lost in a restart.
func (e *Engine) arm(rec governance.ApprovalRecord) {
	t := time.AfterFunc(time.Until(rec.ExpiresAt), func() {
		defer e.disarm(rec.ID)
		_, err := e.resolve(context.Background(), rec.ID, governance.ApprovalExpired, "approval timed out", outcomeExpired)
		if err != nil && !errors.IsCode(err, errors.CodeConflict) {
			e.logger.Warn("engine.approval.expire.failed",
				slog.String("approval_id", rec.ID),
				slog.String("error", err.Error()),
			)
		}
	})
	e.mu.Lock()
	e.timers[rec.ID] = t
	e.mu.Unlock()
}

func (e *Engine) disarm(approvalID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.timers[approvalID]; ok {
		t.Stop()
		delete(e.timers, approvalID)
	}
}
