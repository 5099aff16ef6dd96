package workflows

import (
	"context"
	"fmt"
	"time"

	"github.com/goliatone/go-casework/engine"
	"github.com/goliatone/go-casework/notify"
	"github.com/goliatone/go-casework/records"
)

// NotificationResult is returned by the account change workflows. Best
// effort sends do not show up in it.
type NotificationResult struct {
	UserID string `json:"userId"`
	Sent   bool   `json:"sent"`
}

func (w *workflows) emailUpdated(ctx context.Context, in engine.Input) (any, error) {
	msg, err := decode[EmailUpdated](in.Event)
	if err != nil {
		return nil, err
	}

	token, err := engine.Step(ctx, in.Step, "issue-verification-token", func(ctx context.Context) (records.Token, error) {
		return w.store.IssueToken(ctx, records.TokenKindEmailVerification, msg.NewEmail, w.cfg.VerificationTTL)
	})
	if err != nil {
		return nil, err
	}

	if _, err := in.Step.Run(ctx, "send-verification-email", func(ctx context.Context) (any, error) {
		return nil, w.sender.Send(ctx, notify.KindEmailVerification, msg.NewEmail, map[string]any{
			"name":    msg.UserName,
			"token":   token.Value,
			"expires": token.Expires.Format(time.RFC3339),
		})
	}); err != nil {
		return nil, err
	}

	if _, err := in.Step.Run(ctx, "send-security-alert", func(ctx context.Context) (any, error) {
		return w.bestEffort(ctx, in.Logger, notify.KindEmailChangedAlert, msg.OldEmail, map[string]any{
			"name":     msg.UserName,
			"newEmail": msg.NewEmail,
		}), nil
	}); err != nil {
		return nil, err
	}

	return NotificationResult{UserID: msg.UserID, Sent: true}, nil
}

func (w *workflows) passwordUpdated(ctx context.Context, in engine.Input) (any, error) {
	msg, err := decode[PasswordUpdated](in.Event)
	if err != nil {
		return nil, err
	}

	if _, err := in.Step.Run(ctx, "send-password-changed", func(ctx context.Context) (any, error) {
		return nil, w.sender.Send(ctx, notify.KindPasswordChanged, msg.UserEmail, map[string]any{
			"name":      msg.UserName,
			"changedAt": w.now().UTC().Format(time.RFC3339),
		})
	}); err != nil {
		return nil, err
	}

	return NotificationResult{UserID: msg.UserID, Sent: true}, nil
}

// notificationFailed has nothing to compensate: the account change already
// happened and only the security email is missing.
func (w *workflows) notificationFailed(_ context.Context, f engine.Failure) (engine.Compensation, error) {
	if engine.ErrorCode(f.Err) == ErrCodePayloadInvalid {
		return engine.Compensation{Note: "malformed account change event dropped"}, nil
	}
	userID, _ := f.Event.Fields()["userId"].(string)
	if userID == "" {
		userID = "unknown"
	}
	return engine.Compensation{
		RequiresManualIntervention: true,
		Note:                       fmt.Sprintf("security notification for user %s was not delivered (%s)", userID, f.FunctionID),
	}, nil
}
