package workflows

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goliatone/go-casework/engine"
	"github.com/goliatone/go-casework/notify"
	"github.com/goliatone/go-casework/records"
)

// DeletionOutcome is the result of a deletion workflow step.
type DeletionOutcome string

const (
	DeletionScheduled        DeletionOutcome = "scheduled"
	DeletionAlreadyScheduled DeletionOutcome = "already_scheduled"
	DeletionUserNotFound     DeletionOutcome = "user_not_found"
	DeletionCancelled        DeletionOutcome = "cancelled"
	DeletionPremature        DeletionOutcome = "premature"
	DeletionDeleted          DeletionOutcome = "deleted"
)

// ScheduleResult is returned by confirm-account-deletion.
type ScheduleResult struct {
	Outcome      DeletionOutcome `json:"outcome"`
	UserID       string          `json:"userId,omitempty"`
	DeletionDate *time.Time      `json:"deletionDate,omitempty"`
	EventID      string          `json:"eventId,omitempty"`
}

// DeletionResult is returned by execute-account-deletion.
type DeletionResult struct {
	Outcome     DeletionOutcome `json:"outcome"`
	UserID      string          `json:"userId"`
	Email       string          `json:"email,omitempty"`
	Name        string          `json:"name,omitempty"`
	ScheduledAt *time.Time      `json:"scheduledAt,omitempty"`
}

func (w *workflows) confirmAccountDeletion(ctx context.Context, in engine.Input) (any, error) {
	msg, err := decode[DeletionConfirmed](in.Event)
	if err != nil {
		return nil, err
	}

	token, err := engine.Step(ctx, in.Step, "validate-token", func(ctx context.Context) (records.Token, error) {
		t, err := w.store.FindToken(ctx, msg.Token)
		if errors.Is(err, records.ErrTokenNotFound) {
			return records.Token{}, tokenError(ErrTokenNotFound, err, "")
		}
		if err != nil {
			return records.Token{}, err
		}
		if t.Kind != records.TokenKindDeletion {
			return records.Token{}, tokenError(ErrTokenNotFound, nil, t.Identifier)
		}
		if t.Expired(w.now()) {
			return records.Token{}, tokenError(ErrTokenExpired, nil, t.Identifier)
		}
		return *t, nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := in.Step.Run(ctx, "invalidate-token", func(ctx context.Context) (any, error) {
		return nil, w.store.DeleteToken(ctx, token.Value)
	}); err != nil {
		return nil, err
	}

	result, err := engine.Step(ctx, in.Step, "schedule-deletion", func(ctx context.Context) (ScheduleResult, error) {
		user, err := w.store.FindUserByEmail(ctx, token.Identifier)
		if errors.Is(err, records.ErrUserNotFound) {
			return ScheduleResult{Outcome: DeletionUserNotFound}, nil
		}
		if err != nil {
			return ScheduleResult{}, err
		}
		if user.DeletionScheduled() {
			return ScheduleResult{
				Outcome:      DeletionAlreadyScheduled,
				UserID:       user.ID,
				DeletionDate: user.DeletionScheduledAt,
			}, nil
		}

		date := w.now().Add(w.cfg.GracePeriod).UTC()
		if err := w.store.ScheduleDeletion(ctx, user.ID, date); err != nil {
			return ScheduleResult{}, err
		}
		w.bestEffort(ctx, in.Logger, notify.KindDeletionScheduled, user.Email, map[string]any{
			"name":         user.Name,
			"deletionDate": date.Format(time.RFC3339),
		})
		return ScheduleResult{Outcome: DeletionScheduled, UserID: user.ID, DeletionDate: &date}, nil
	})
	if err != nil {
		return nil, err
	}
	if result.DeletionDate == nil {
		in.Logger.WithContext(ctx).Info("deletion not scheduled: %s", result.Outcome)
		return result, nil
	}

	// An already scheduled user gets the same deduplicated execution event,
	// which covers a crash between persisting the date and emitting.
	eventID, err := in.Step.SendEvent(ctx, "schedule-execution", EventDeletionExecute,
		DeletionExecute{UserID: result.UserID},
		engine.WithAt(*result.DeletionDate),
		engine.WithDedupeKey(executionDedupeKey(result.UserID, *result.DeletionDate)),
	)
	if err != nil {
		return nil, err
	}
	result.EventID = eventID
	return result, nil
}

func (w *workflows) executeAccountDeletion(ctx context.Context, in engine.Input) (any, error) {
	msg, err := decode[DeletionExecute](in.Event)
	if err != nil {
		return nil, err
	}

	result, err := engine.Step(ctx, in.Step, "delete-user", func(ctx context.Context) (DeletionResult, error) {
		out := DeletionResult{UserID: msg.UserID}
		err := w.store.RunInTx(ctx, func(ctx context.Context, tx records.Tx) error {
			user, err := tx.LockUser(ctx, msg.UserID)
			if errors.Is(err, records.ErrUserNotFound) {
				out.Outcome = DeletionUserNotFound
				return nil
			}
			if err != nil {
				return err
			}
			if !user.DeletionScheduled() {
				out.Outcome = DeletionCancelled
				return nil
			}

			out.ScheduledAt = user.DeletionScheduledAt
			if w.now().Before(user.DeletionScheduledAt.Add(-w.cfg.EarlyTolerance)) {
				out.Outcome = DeletionPremature
				return nil
			}
			if err := tx.DeleteUser(ctx, user.ID); err != nil {
				return err
			}
			out.Outcome = DeletionDeleted
			out.Email = user.Email
			out.Name = user.Name
			return nil
		})
		return out, err
	})
	if err != nil {
		return nil, err
	}

	if result.Outcome != DeletionDeleted {
		in.Logger.WithContext(ctx).Info("user %s not deleted: %s", msg.UserID, result.Outcome)
		return result, nil
	}

	if _, err := in.Step.Run(ctx, "send-goodbye", func(ctx context.Context) (any, error) {
		return w.bestEffort(ctx, in.Logger, notify.KindAccountDeleted, result.Email, map[string]any{
			"name": result.Name,
		}), nil
	}); err != nil {
		return nil, err
	}
	return result, nil
}

func (w *workflows) confirmAccountDeletionFailed(_ context.Context, f engine.Failure) (engine.Compensation, error) {
	switch engine.ErrorCode(f.Err) {
	case ErrCodeTokenNotFound, ErrCodeTokenExpired, ErrCodePayloadInvalid:
		return engine.Compensation{
			Note: "deletion request rejected before any state changed",
		}, nil
	}
	return engine.Compensation{
		RequiresManualIntervention: true,
		Note:                       "deletion confirmation failed after validation; the user may have a deletion date with no execution scheduled",
	}, nil
}

func (w *workflows) executeAccountDeletionFailed(_ context.Context, f engine.Failure) (engine.Compensation, error) {
	userID, _ := f.Event.Fields()["userId"].(string)
	if userID == "" {
		userID = "unknown"
	}
	return engine.Compensation{
		RequiresManualIntervention: true,
		Note:                       fmt.Sprintf("scheduled deletion of user %s did not execute; account is stuck pending deletion", userID),
	}, nil
}

func executionDedupeKey(userID string, at time.Time) string {
	return fmt.Sprintf("deletion-execute:%s:%d", userID, at.Unix())
}
