package engine

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/jllopis/watt/pkg/errors"
	"github.com/jllopis/watt/pkg/governance"
	"github.com/jllopis/watt/pkg/store"
)

func invalidInput(msg string) *errors.WattError {
	return errors.New(errors.CodeInvalidInput, msg, nil)
}

func configurationError(err error) *errors.WattError {
	if we := asWatt(err); we != nil && we.Code == errors.CodeConfiguration {
		return we
	}
	return errors.New(errors.CodeConfiguration, "agent configuration", err)
}

func wrapLLMError(err error) *errors.WattError {
	if we := asWatt(err); we != nil && we.Code == errors.CodeLLMError {
		return we
	}
	return errors.New(errors.CodeLLMError, "model gateway call failed", err).WithRecoverable(true)
}

func emptyResponse() *errors.WattError {
	return errors.New(errors.CodeLLMError, "model returned neither content nor tool calls", nil).WithRecoverable(true)
}

func policyViolation(d governance.Decision) *errors.WattError {
	return errors.New(errors.CodePolicyViolation, d.Reason, nil).
		WithContext("rule_id", d.RuleID).
		WithAttribute("policy.verdict", string(d.Verdict))
}

func approvalDenied(rec governance.ApprovalRecord) *errors.WattError {
	msg := fmt.Sprintf("approval %s denied", rec.ID)
	if rec.Resolution != "" {
		msg += ": " + rec.Resolution
	}
	return errors.New(errors.CodeApprovalDenied, msg, nil).WithContext("approval_id", rec.ID)
}

func approvalTimeout(rec governance.ApprovalRecord) *errors.WattError {
	return errors.Newf(errors.CodeApprovalTimeout, "approval %s expired at %s", rec.ID, rec.ExpiresAt.Format("2006-01-02T15:04:05Z07:00")).
		WithContext("approval_id", rec.ID)
}

func maxIterations(n int) *errors.WattError {
	return errors.Newf(errors.CodeMaxIterations, "run exceeded %d iterations", n)
}

func cancelled(cause error) *errors.WattError {
	if stderrors.Is(cause, context.DeadlineExceeded) {
		return errors.New(errors.CodeTimeout, "run deadline exceeded", cause)
	}
	return errors.New(errors.CodeCancelled, "run cancelled", cause)
}

func storageError(op string, err error) *errors.WattError {
	return errors.New(errors.CodeStorage, op, err)
}

// lookupError maps store and approval sentinels onto the taxonomy.
func lookupError(what, id string, err error) error {
	switch {
	case stderrors.Is(err, store.ErrNotFound), stderrors.Is(err, governance.ErrApprovalNotFound):
		return errors.Newf(errors.CodeNotFound, "%s %q not found", what, id)
	case stderrors.Is(err, governance.ErrNotPending):
		return errors.Newf(errors.CodeConflict, "%s %q is already resolved", what, id)
	default:
		return storageError("load "+what, err)
	}
}

func conflict(format string, args ...any) *errors.WattError {
	return errors.Newf(errors.CodeConflict, format, args...)
}

func asWatt(err error) *errors.WattError {
	var we *errors.WattError
	if stderrors.As(err, &we) {
		return we
	}
	return nil
}

// failureText is the run's Error field: the message and cause without the
// code prefix, which is stored separately.
func failureText(we *errors.WattError) string {
	if we.Err != nil {
		return we.Message + ": " + we.Err.Error()
	}
	return we.Message
}
