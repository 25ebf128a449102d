package services_test

import (
	"context"
	"testing"

	"heimdallr/internal/services"
)

func TestContextHelpersRoundTrip(t *testing.T) {
	ctx := services.WithCaseID(context.Background(), "JoaoRS_20260201_123")
	ctx = services.WithStudyUID(ctx, "1.2.3")
	ctx = services.WithStage(ctx, "structural")
	ctx = services.WithRequestID(ctx, "req-1")

	if id, ok := services.CaseIDFromContext(ctx); !ok || id != "JoaoRS_20260201_123" {
		t.Fatalf("unexpected case id %q %v", id, ok)
	}
	if uid, ok := services.StudyUIDFromContext(ctx); !ok || uid != "1.2.3" {
		t.Fatalf("unexpected study uid %q %v", uid, ok)
	}
	if stage, ok := services.StageFromContext(ctx); !ok || stage != "structural" {
		t.Fatalf("unexpected stage %q %v", stage, ok)
	}
	if rid, ok := services.RequestIDFromContext(ctx); !ok || rid != "req-1" {
		t.Fatalf("unexpected request id %q %v", rid, ok)
	}
}

func TestContextHelpersIgnoreEmpty(t *testing.T) {
	ctx := services.WithCaseID(context.Background(), "")
	if _, ok := services.CaseIDFromContext(ctx); ok {
		t.Fatal("empty case id should not be stored")
	}
}
