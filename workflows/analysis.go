package workflows

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-casework/detection"
	"github.com/goliatone/go-casework/engine"
	"github.com/goliatone/go-casework/records"
)

const (
	NoDetectionsExplanation = "No insect specimens were detected in the uploaded images, so no PMI estimate could be made."
	failedExplanationPrefix = "Analysis failed: "
)

// AnalysisResult is returned by case-analysis.
type AnalysisResult struct {
	CaseID     string                 `json:"caseId"`
	Status     records.AnalysisStatus `json:"status"`
	Detections bool                   `json:"detections"`
}

func (w *workflows) caseAnalysis(ctx context.Context, in engine.Input) (any, error) {
	msg, err := decode[AnalysisRequested](in.Event)
	if err != nil {
		return nil, err
	}

	if err := in.Step.Sleep(ctx, "wait-for-uploads", w.cfg.UploadDelay); err != nil {
		return nil, err
	}

	if _, err := in.Step.Run(ctx, "mark-processing", func(ctx context.Context) (any, error) {
		return nil, w.store.UpdateAnalysis(ctx, msg.CaseID, records.AnalysisUpdate{
			Status: records.AnalysisProcessing,
		})
	}); err != nil {
		return nil, err
	}

	res, err := engine.Step(ctx, in.Step, "detect", func(ctx context.Context) (*detection.Result, error) {
		return w.detector.Detect(ctx, msg.CaseID)
	})
	if err != nil {
		return nil, err
	}

	if !res.HasDetections() {
		if _, err := in.Step.Run(ctx, "record-no-detections", func(ctx context.Context) (any, error) {
			explanation := NoDetectionsExplanation
			if res != nil && strings.TrimSpace(res.Explanation) != "" {
				explanation += " " + strings.TrimSpace(res.Explanation)
			}
			return nil, w.store.UpdateAnalysis(ctx, msg.CaseID, records.AnalysisUpdate{
				Status:      records.AnalysisCompleted,
				Explanation: &explanation,
			})
		}); err != nil {
			return nil, err
		}
		return AnalysisResult{CaseID: msg.CaseID, Status: records.AnalysisCompleted}, nil
	}

	if _, err := in.Step.Run(ctx, "persist-results", func(ctx context.Context) (any, error) {
		explanation := res.Explanation
		return nil, w.store.UpdateAnalysis(ctx, msg.CaseID, records.AnalysisUpdate{
			Status:      records.AnalysisCompleted,
			Explanation: &explanation,
			Result:      detectionFields(res),
		})
	}); err != nil {
		return nil, err
	}

	return AnalysisResult{CaseID: msg.CaseID, Status: records.AnalysisCompleted, Detections: true}, nil
}

func detectionFields(res *detection.Result) *records.DetectionFields {
	f := &records.DetectionFields{}
	if agg := res.AggregatedResults; agg != nil {
		f.TotalCounts = agg.TotalCounts
		f.OldestStageDetected = agg.OldestStageDetected
	}
	if pmi := res.PMIEstimation; pmi != nil {
		f.PMIDays = pmi.PMIDays
		f.PMIHours = pmi.PMIHours
		f.PMIMinutes = pmi.PMIMinutes
		f.StageUsed = pmi.StageUsed
		f.AccumulatedDegreeHours = pmi.AccumulatedDegreeHours
	}
	return f
}

// caseAnalysisFailed flips the record to failed. The payload is read
// untyped since a malformed event may be the reason the run failed.
func (w *workflows) caseAnalysisFailed(ctx context.Context, f engine.Failure) (engine.Compensation, error) {
	caseID, ok := f.Event.Fields()["caseId"].(string)
	if !ok || strings.TrimSpace(caseID) == "" {
		return engine.Compensation{
			RequiresManualIntervention: true,
			Note:                       "analysis failed for an event without a usable caseId",
		}, nil
	}

	reason := "unknown error"
	if f.Err != nil {
		reason = f.Err.Error()
	}
	explanation := failedExplanationPrefix + reason
	err := w.store.UpdateAnalysis(ctx, caseID, records.AnalysisUpdate{
		Status:      records.AnalysisFailed,
		Explanation: &explanation,
	})
	if err != nil {
		return engine.Compensation{
			RequiresManualIntervention: true,
			Note:                       fmt.Sprintf("case %s could not be marked failed", caseID),
		}, err
	}
	return engine.Compensation{
		Compensated: true,
		Note:        fmt.Sprintf("case %s marked failed", caseID),
	}, nil
}
