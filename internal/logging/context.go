package logging

import (
	"context"
	"log/slog"

	"heimdallr/internal/services"
)

const (
	// FieldComponent is the structured logging key for component names.
	FieldComponent = "component"
	// FieldCaseID is the structured logging key for processing case identifiers.
	FieldCaseID = "case_id"
	// FieldStudyUID is the structured logging key for DICOM study instance UIDs.
	FieldStudyUID = "study_uid"
	// FieldSeriesUID is the structured logging key for DICOM series instance UIDs.
	FieldSeriesUID = "series_uid"
	// FieldStage is the structured logging key for pipeline stage names.
	FieldStage = "stage"
	// FieldCallingAE is the structured logging key for the remote application entity.
	FieldCallingAE = "calling_ae"
	// FieldCorrelationID is the structured logging key for request correlation identifiers.
	FieldCorrelationID = "correlation_id"
	// FieldEventType classifies a log line for filtering.
	FieldEventType = "event_type"
	// FieldErrorHint suggests the next operator step.
	FieldErrorHint = "error_hint"
	// FieldImpact describes the user-facing consequence of a warning.
	FieldImpact = "impact"
)

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 4)
	if id, ok := services.CaseIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldCaseID, id))
	}
	if uid, ok := services.StudyUIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldStudyUID, uid))
	}
	if stage, ok := services.StageFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldStage, stage))
	}
	if rid, ok := services.RequestIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldCorrelationID, rid))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(Args(fields...)...)
}
