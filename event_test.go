package casework

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"strings"
	"testing"

	"github.com/goliatone/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type caseOpened struct {
	CaseID string `json:"caseId"`
}

func (caseOpened) Type() string { return "case.opened" }

func (m caseOpened) Validate() error {
	if m.CaseID == "" {
		return stderrors.New("caseId required")
	}
	return nil
}

func textCode(t *testing.T, err error) string {
	t.Helper()
	var ge *errors.Error
	require.True(t, stderrors.As(err, &ge), "expected go-errors value, got %T", err)
	return ge.TextCode
}

func TestNewEventEncodesPayload(t *testing.T) {
	evt, err := NewEvent("  case.opened ", caseOpened{CaseID: "c1"})
	require.NoError(t, err)

	assert.Equal(t, "case.opened", evt.Name)
	assert.NotEmpty(t, evt.ID)
	assert.False(t, evt.Timestamp.IsZero())
	assert.JSONEq(t, `{"caseId":"c1"}`, string(evt.Data))

	var out caseOpened
	require.NoError(t, evt.Decode(&out))
	assert.Equal(t, "c1", out.CaseID)
	assert.Equal(t, map[string]any{"caseId": "c1"}, evt.Fields())
}

func TestNewEventAcceptsRawPayloads(t *testing.T) {
	evt, err := NewEvent("raw", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(evt.Data))

	evt, err = NewEvent("bytes", []byte(`[1,2]`))
	require.NoError(t, err)
	assert.Nil(t, evt.Fields())

	evt, err = NewEvent("empty", nil)
	require.NoError(t, err)
	assert.Empty(t, evt.Data)
	assert.Equal(t, "EVENT_PAYLOAD_MISSING", textCode(t, evt.Decode(&caseOpened{})))
}

func TestNewEventRejectsBadInput(t *testing.T) {
	_, err := NewEvent(" ", nil)
	assert.Equal(t, "EVENT_NAME_REQUIRED", textCode(t, err))

	_, err = NewEvent("bytes", []byte(`{not json`))
	assert.Equal(t, "EVENT_PAYLOAD_INVALID", textCode(t, err))

	_, err = NewEvent("chan", make(chan int))
	assert.Equal(t, "EVENT_PAYLOAD_INVALID", textCode(t, err))

	_, err = NewEvent("case.opened", caseOpened{})
	assert.Equal(t, "VALIDATION_FAILED", textCode(t, err))

	var nilMsg *caseOpened
	_, err = NewEvent("case.opened", nilMsg)
	assert.Equal(t, "INVALID_MESSAGE", textCode(t, err))
}

func TestEventDecodeInvalidPayload(t *testing.T) {
	evt := Event{ID: "e1", Name: "case.opened", Data: json.RawMessage(`{"caseId": 7}`)}
	err := evt.Decode(&caseOpened{})
	assert.Equal(t, "EVENT_PAYLOAD_INVALID", textCode(t, err))
}

func TestEventCloneIsDeep(t *testing.T) {
	evt := Event{ID: "e1", Name: "n", Data: json.RawMessage(`{"a":1}`)}
	cp := evt.Clone()
	cp.Data[5] = '2'
	assert.JSONEq(t, `{"a":1}`, string(evt.Data))
}

func TestGetMessageType(t *testing.T) {
	assert.Equal(t, "case.opened", GetMessageType(caseOpened{}))
	assert.Equal(t, "case.opened", GetMessageType(&caseOpened{}))
	assert.Equal(t, "casework.Event", GetMessageType(&Event{}))
	assert.Equal(t, "unknown_type", GetMessageType(nil))

	var nilMsg *caseOpened
	assert.Equal(t, "unknown_type", GetMessageType(nilMsg))
}

func TestWrapError(t *testing.T) {
	cause := stderrors.New("boom")
	err := WrapError("dispatch", "delivery failed", cause)
	assert.Equal(t, "dispatch: delivery failed: boom", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "dispatch: nothing", WrapError("dispatch", "nothing", nil).Error())
}

func TestFmtLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := WithLoggerFields(NewFmtLogger(&buf), map[string]any{"run_id": "r1", "attempt": 2})
	logger.Info("run %s", "started")

	line := buf.String()
	assert.Contains(t, line, "INFO")
	assert.Contains(t, line, "run started")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(line), "attempt=2 run_id=r1"))

	assert.Nil(t, MergeFields(nil, nil))
	assert.Equal(t, map[string]any{"a": 2, "b": 1}, MergeFields(map[string]any{"a": 1, "b": 1}, map[string]any{"a": 2}))
}
