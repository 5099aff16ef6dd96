package workflows

import (
	"encoding/json"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	casework "github.com/goliatone/go-casework"
)

// Event names consumed by the workflows.
const (
	EventDeletionConfirmed = "account/deletion.confirmed"
	EventDeletionExecute   = "account/deletion.execute"
	EventEmailUpdated      = "account/email.updated"
	EventPasswordUpdated   = "account/password.updated"
	EventAnalysisRequested = "analysis/request.sent"
)

// DeletionConfirmed is sent when a user clicks the deletion confirmation link.
type DeletionConfirmed struct {
	Token string `json:"token"`
}

func (DeletionConfirmed) Type() string { return EventDeletionConfirmed }

func (m DeletionConfirmed) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Token, validation.Required),
	)
}

// DeletionExecute is scheduled for the end of the grace period.
type DeletionExecute struct {
	UserID string `json:"userId"`
}

func (DeletionExecute) Type() string { return EventDeletionExecute }

func (m DeletionExecute) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.UserID, validation.Required),
	)
}

// EmailUpdated is sent after a user changes their email address.
type EmailUpdated struct {
	UserID   string `json:"userId"`
	OldEmail string `json:"oldEmail"`
	NewEmail string `json:"newEmail"`
	UserName string `json:"userName"`
}

func (EmailUpdated) Type() string { return EventEmailUpdated }

func (m EmailUpdated) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.UserID, validation.Required),
		validation.Field(&m.OldEmail, validation.Required, is.EmailFormat),
		validation.Field(&m.NewEmail, validation.Required, is.EmailFormat),
	)
}

// PasswordUpdated is sent after a user changes their password.
type PasswordUpdated struct {
	UserID    string `json:"userId"`
	UserEmail string `json:"userEmail"`
	UserName  string `json:"userName"`
}

func (PasswordUpdated) Type() string { return EventPasswordUpdated }

func (m PasswordUpdated) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.UserID, validation.Required),
		validation.Field(&m.UserEmail, validation.Required, is.EmailFormat),
	)
}

// AnalysisRequested starts the analysis of a case once its images are
// uploaded.
type AnalysisRequested struct {
	CaseID string `json:"caseId"`
}

func (AnalysisRequested) Type() string { return EventAnalysisRequested }

func (m AnalysisRequested) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.CaseID, validation.Required),
	)
}

var payloads = map[string]func() casework.Validator{
	EventDeletionConfirmed: func() casework.Validator { return &DeletionConfirmed{} },
	EventDeletionExecute:   func() casework.Validator { return &DeletionExecute{} },
	EventEmailUpdated:      func() casework.Validator { return &EmailUpdated{} },
	EventPasswordUpdated:   func() casework.Validator { return &PasswordUpdated{} },
	EventAnalysisRequested: func() casework.Validator { return &AnalysisRequested{} },
}

// ValidatePayload checks raw against the message type of a known event
// name. Unknown names pass unchecked.
func ValidatePayload(name string, raw json.RawMessage) error {
	newMsg, ok := payloads[name]
	if !ok {
		return nil
	}
	msg := newMsg()
	if err := (casework.Event{Name: name, Data: raw}).Decode(msg); err != nil {
		return payloadError(name, err)
	}
	if err := msg.Validate(); err != nil {
		return payloadError(name, err)
	}
	return nil
}
