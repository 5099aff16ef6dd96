package records

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUserNotFound     = errors.New("user not found")
	ErrTokenNotFound    = errors.New("token not found")
	ErrAnalysisNotFound = errors.New("analysis record not found")
)

// AnalysisStatus is the lifecycle state of a case analysis record.
type AnalysisStatus string

const (
	AnalysisPending    AnalysisStatus = "pending"
	AnalysisProcessing AnalysisStatus = "processing"
	AnalysisCompleted  AnalysisStatus = "completed"
	AnalysisFailed     AnalysisStatus = "failed"
)

// User is the account row the deletion workflows act on.
type User struct {
	ID                  string     `json:"id"`
	Email               string     `json:"email"`
	Name                string     `json:"name"`
	DeletionScheduledAt *time.Time `json:"deletionScheduledAt,omitempty"`
}

// DeletionScheduled reports whether a deletion is pending for the user.
func (u *User) DeletionScheduled() bool {
	return u != nil && u.DeletionScheduledAt != nil
}

// Token is a single use verification token bound to an identifier, usually
// an email address.
// TokenKind tells deletion confirmation tokens from email verification
// tokens issued for the same identifier.
type TokenKind string

const (
	TokenKindDeletion          TokenKind = "account_deletion"
	TokenKindEmailVerification TokenKind = "email_verification"
)

type Token struct {
	Kind       TokenKind `json:"kind"`
	Identifier string    `json:"identifier"`
	Value      string    `json:"token"`
	Expires    time.Time `json:"expires"`
}

// Expired reports whether the token is no longer valid at now.
func (t *Token) Expired(now time.Time) bool {
	return t == nil || !now.Before(t.Expires)
}

// DetectionFields are the structured results of a detection run.
type DetectionFields struct {
	TotalCounts            map[string]int `json:"totalCounts,omitempty"`
	OldestStageDetected    string         `json:"oldestStageDetected,omitempty"`
	PMIDays                *float64       `json:"pmiDays,omitempty"`
	PMIHours               *float64       `json:"pmiHours,omitempty"`
	PMIMinutes             *float64       `json:"pmiMinutes,omitempty"`
	StageUsed              string         `json:"stageUsed,omitempty"`
	AccumulatedDegreeHours *float64       `json:"accumulatedDegreeHours,omitempty"`
}

// Analysis is the per case analysis record. It exists before any workflow
// touches it.
type Analysis struct {
	CaseID      string           `json:"caseId"`
	Status      AnalysisStatus   `json:"status"`
	Explanation string           `json:"explanation,omitempty"`
	Result      *DetectionFields `json:"result,omitempty"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

// AnalysisUpdate is applied to an analysis record as a single write. Nil
// fields are left unchanged.
type AnalysisUpdate struct {
	Status      AnalysisStatus
	Explanation *string
	Result      *DetectionFields
}

// Tx is the transactional surface used by the deletion workflow.
type Tx interface {
	// LockUser reads the user and holds its row lock until the transaction
	// ends. Missing users return ErrUserNotFound.
	LockUser(ctx context.Context, id string) (*User, error)
	DeleteUser(ctx context.Context, id string) error
}

// Store is the record store the workflows read and mutate.
type Store interface {
	FindUser(ctx context.Context, id string) (*User, error)
	FindUserByEmail(ctx context.Context, email string) (*User, error)
	ScheduleDeletion(ctx context.Context, userID string, at time.Time) error
	// CancelDeletion clears a pending deletion and reports whether one was
	// pending. Sign-in recovery calls it.
	CancelDeletion(ctx context.Context, userID string) (bool, error)

	IssueToken(ctx context.Context, kind TokenKind, identifier string, ttl time.Duration) (Token, error)
	FindToken(ctx context.Context, value string) (*Token, error)
	DeleteToken(ctx context.Context, value string) error

	LoadAnalysis(ctx context.Context, caseID string) (*Analysis, error)
	UpdateAnalysis(ctx context.Context, caseID string, update AnalysisUpdate) error

	// RunInTx runs fn in one transaction, committing when fn returns nil.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

func cloneUser(u *User) *User {
	if u == nil {
		return nil
	}
	cp := *u
	if u.DeletionScheduledAt != nil {
		at := *u.DeletionScheduledAt
		cp.DeletionScheduledAt = &at
	}
	return &cp
}

func cloneFields(f *DetectionFields) *DetectionFields {
	if f == nil {
		return nil
	}
	cp := *f
	if f.TotalCounts != nil {
		cp.TotalCounts = make(map[string]int, len(f.TotalCounts))
		for k, v := range f.TotalCounts {
			cp.TotalCounts[k] = v
		}
	}
	cp.PMIDays = cloneFloat(f.PMIDays)
	cp.PMIHours = cloneFloat(f.PMIHours)
	cp.PMIMinutes = cloneFloat(f.PMIMinutes)
	cp.AccumulatedDegreeHours = cloneFloat(f.AccumulatedDegreeHours)
	return &cp
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}
