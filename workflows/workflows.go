package workflows

import (
	"context"
	"fmt"
	"time"

	casework "github.com/goliatone/go-casework"
	"github.com/goliatone/go-casework/detection"
	"github.com/goliatone/go-casework/engine"
	"github.com/goliatone/go-casework/notify"
	"github.com/goliatone/go-casework/records"
)

// Function ids.
const (
	ConfirmAccountDeletionID = "confirm-account-deletion"
	ExecuteAccountDeletionID = "execute-account-deletion"
	EmailUpdatedID           = "email-updated"
	PasswordUpdatedID        = "password-updated"
	CaseAnalysisID           = "case-analysis"
)

// Config holds the workflow timings. Zero fields take DefaultConfig values.
type Config struct {
	// GracePeriod is the delay between deletion confirmation and deletion.
	GracePeriod time.Duration
	// EarlyTolerance is how early a deletion trigger may arrive and still
	// be honoured. Late triggers are always honoured.
	EarlyTolerance time.Duration
	// UploadDelay gives client uploads time to land before detection runs.
	UploadDelay time.Duration
	// VerificationTTL is the lifetime of email verification tokens.
	VerificationTTL time.Duration
	// Retries is the retry count after a failed attempt. Nil means
	// engine.DefaultRetries; zero disables retries.
	Retries *int
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		GracePeriod:     30 * 24 * time.Hour,
		EarlyTolerance:  time.Hour,
		UploadDelay:     time.Minute,
		VerificationTTL: 24 * time.Hour,
	}
}

// Deps are the collaborators the workflows act through.
type Deps struct {
	Store    records.Store
	Sender   notify.Sender
	Detector detection.Detector
	Logger   casework.Logger
	Config   Config
	// Now defaults to time.Now. Share the engine clock in tests.
	Now func() time.Time
}

type workflows struct {
	store    records.Store
	sender   notify.Sender
	detector detection.Detector
	logger   casework.Logger
	cfg      Config
	now      func() time.Time
}

// Functions builds every workflow function, ready for engine.Register.
func Functions(deps Deps) ([]*engine.Function, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("workflows: record store required")
	}
	if deps.Sender == nil {
		return nil, fmt.Errorf("workflows: notification sender required")
	}
	if deps.Detector == nil {
		return nil, fmt.Errorf("workflows: detector required")
	}

	cfg := deps.Config
	defaults := DefaultConfig()
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaults.GracePeriod
	}
	if cfg.EarlyTolerance <= 0 {
		cfg.EarlyTolerance = defaults.EarlyTolerance
	}
	if cfg.UploadDelay <= 0 {
		cfg.UploadDelay = defaults.UploadDelay
	}
	if cfg.VerificationTTL <= 0 {
		cfg.VerificationTTL = defaults.VerificationTTL
	}

	w := &workflows{
		store:    deps.Store,
		sender:   deps.Sender,
		detector: deps.Detector,
		logger:   casework.NormalizeLogger(deps.Logger),
		cfg:      cfg,
		now:      deps.Now,
	}
	if w.now == nil {
		w.now = time.Now
	}

	retries := engine.WithRetries(engine.DefaultRetries)
	if cfg.Retries != nil {
		retries = engine.WithRetries(*cfg.Retries)
	}
	return []*engine.Function{
		engine.NewFunction(ConfirmAccountDeletionID, EventDeletionConfirmed, w.confirmAccountDeletion,
			retries, engine.WithOnFailure(w.confirmAccountDeletionFailed)),
		engine.NewFunction(ExecuteAccountDeletionID, EventDeletionExecute, w.executeAccountDeletion,
			retries, engine.WithOnFailure(w.executeAccountDeletionFailed)),
		engine.NewFunction(EmailUpdatedID, EventEmailUpdated, w.emailUpdated,
			retries, engine.WithOnFailure(w.notificationFailed)),
		engine.NewFunction(PasswordUpdatedID, EventPasswordUpdated, w.passwordUpdated,
			retries, engine.WithOnFailure(w.notificationFailed)),
		engine.NewFunction(CaseAnalysisID, EventAnalysisRequested, w.caseAnalysis,
			retries, engine.WithOnFailure(w.caseAnalysisFailed)),
	}, nil
}

// Register builds the workflows and registers them with e.
func Register(e *engine.Engine, deps Deps) error {
	if deps.Now == nil {
		deps.Now = e.Now
	}
	fns, err := Functions(deps)
	if err != nil {
		return err
	}
	return e.Register(fns...)
}

// decode reads and validates the event payload into T.
func decode[T casework.Validator](evt casework.Event) (T, error) {
	var msg T
	if err := evt.Decode(&msg); err != nil {
		return msg, payloadError(evt.Name, err)
	}
	if err := msg.Validate(); err != nil {
		return msg, payloadError(evt.Name, err)
	}
	return msg, nil
}

// bestEffort sends a notification whose failure must not fail the run. The
// step output records whether it went out.
func (w *workflows) bestEffort(ctx context.Context, logger casework.Logger, kind notify.Kind, recipient string, args map[string]any) sendOutcome {
	if err := w.sender.Send(ctx, kind, recipient, args); err != nil {
		casework.WithLoggerFields(logger, map[string]any{
			"kind":      string(kind),
			"recipient": recipient,
		}).WithContext(ctx).Warn("best effort notification %s failed: %v", kind, err)
		return sendOutcome{Sent: false, Error: err.Error()}
	}
	return sendOutcome{Sent: true}
}

type sendOutcome struct {
	Sent  bool   `json:"sent"`
	Error string `json:"error,omitempty"`
}
