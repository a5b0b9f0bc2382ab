package persistence

import (
	"context"
	"errors"
	"strings"

	"github.com/basket/agenthost/internal/apperr"
)

// Classify maps a raw store error onto the error taxonomy so callers above
// the store never see driver errors. Already classified errors pass through.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return apperr.Wrap(op, apperr.KindNotFound, err)
	case IsUnavailable(err):
		return apperr.Wrap(op, apperr.KindStoreUnavailable, err)
	case IsForeignKeyViolation(err), IsDuplicate(err):
		return apperr.Wrap(op, apperr.KindConflict, err)
	case IsLockTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return apperr.Wrap(op, apperr.KindTimeout, err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "constraint"):
		return apperr.Wrap(op, apperr.KindConflict, err)
	case strings.Contains(msg, "deadline exceeded"), strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return apperr.Wrap(op, apperr.KindTimeout, err)
	}
	return apperr.Wrap(op, apperr.KindInternal, err)
}
