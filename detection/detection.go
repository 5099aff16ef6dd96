package detection

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goliatone/go-errors"
)

const (
	ErrCodeDetectionFailed = "DETECTION_FAILED"
	APIKeyHeader           = "X-API-Key"
	detectPath             = "/v1/detect"
	maxErrorBody           = 512
)

// Detector finds insect specimens in the images of a case.
type Detector interface {
	Detect(ctx context.Context, caseID string) (*Result, error)
}

// Result is the detection service response. Every section may be absent.
type Result struct {
	AggregatedResults *AggregatedResults `json:"aggregated_results,omitempty"`
	PMIEstimation     *PMIEstimation     `json:"pmi_estimation,omitempty"`
	Explanation       string             `json:"explanation,omitempty"`
}

type AggregatedResults struct {
	TotalCounts         map[string]int `json:"total_counts,omitempty"`
	OldestStageDetected string         `json:"oldest_stage_detected,omitempty"`
}

type PMIEstimation struct {
	PMIDays                *float64 `json:"pmi_days,omitempty"`
	PMIHours               *float64 `json:"pmi_hours,omitempty"`
	PMIMinutes             *float64 `json:"pmi_minutes,omitempty"`
	StageUsed              string   `json:"stage_used,omitempty"`
	AccumulatedDegreeHours *float64 `json:"adh,omitempty"`
}

// HasDetections reports whether the response carries either a total count
// or an oldest stage. A response without both means nothing was found.
func (r *Result) HasDetections() bool {
	if r == nil || r.AggregatedResults == nil {
		return false
	}
	return r.AggregatedResults.TotalCounts != nil || r.AggregatedResults.OldestStageDetected != ""
}

// Client calls the detection service over HTTP.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithTimeout sets the request timeout of the default client.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.http.Timeout = d
		}
	}
}

// NewClient builds a client for the service at baseURL.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 2 * time.Minute},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

type detectRequest struct {
	CaseID string `json:"case_id"`
}

// Detect posts the case id to the service. Transport failures and non 2xx
// responses are DETECTION_FAILED errors.
func (c *Client) Detect(ctx context.Context, caseID string) (*Result, error) {
	body, err := json.Marshal(detectRequest{CaseID: caseID})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+detectPath, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryBadInput, "detection request could not be built").
			WithTextCode(ErrCodeDetectionFailed)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set(APIKeyHeader, c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryExternal, "detection service unreachable").
			WithTextCode(ErrCodeDetectionFailed).
			WithMetadata(map[string]any{"case_id": caseID})
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := fmt.Sprintf("detection service returned HTTP %d", resp.StatusCode)
		if text := strings.TrimSpace(string(snippet)); text != "" {
			msg += ": " + text
		}
		return nil, errors.New(msg, errors.CategoryExternal).
			WithTextCode(ErrCodeDetectionFailed).
			WithMetadata(map[string]any{"case_id": caseID, "status": resp.StatusCode})
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(err, errors.CategoryExternal, "detection response is not valid JSON").
			WithTextCode(ErrCodeDetectionFailed).
			WithMetadata(map[string]any{"case_id": caseID, "status": resp.StatusCode})
	}
	return &result, nil
}

// StatusCode returns the HTTP status recorded on a detection error, 0 when
// there is none.
func StatusCode(err error) int {
	var ge *errors.Error
	if !stderrors.As(err, &ge) || ge.Metadata == nil {
		return 0
	}
	if status, ok := ge.Metadata["status"].(int); ok {
		return status
	}
	return 0
}
