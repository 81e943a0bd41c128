package logger

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestWithJobAddsFields(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)
	ctx := WithContext(context.Background(), &base)

	ctx = WithJob(ctx, "job-1", "user-1")
	FromContext(ctx).Info().Msg("hello")

	out := buf.String()
	if !strings.Contains(out, `"job_id":"job-1"`) || !strings.Contains(out, `"user_id":"user-1"`) {
		t.Fatalf("expected job fields in log line, got %s", out)
	}
}

func TestFromContextFallsBackToGlobal(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("expected global logger")
	}
}
