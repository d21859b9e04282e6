package errors

import (
	"fmt"
	"strings"
	"testing"
)

func TestFastPathNoTelemetry(t *testing.T) {
	SetTelemetryReporter(nil)

	err := fmt.Errorf("test error")
	ee := New(err).Build()

	if ee.Err.Error() != "test error" {
		t.Errorf("expected message 'test error', got %q", ee.Err.Error())
	}
	if ee.GetComponent() != ComponentUnknown {
		t.Errorf("expected component %q in fast path, got %q", ComponentUnknown, ee.GetComponent())
	}
	if ee.Category != CategoryGeneric {
		t.Errorf("expected category generic in fast path, got %q", ee.Category)
	}
}

func TestBuilderMetadata(t *testing.T) {
	SetTelemetryReporter(nil)

	ee := Newf("download of %s failed", "file.mp4").
		Component("stager").
		Category(CategoryDownload).
		Priority(PriorityHigh).
		StreamContext(42).
		Context("attempt", 3).
		Build()

	if ee.GetComponent() != "stager" {
		t.Errorf("component = %q, want stager", ee.GetComponent())
	}
	if ee.Category != CategoryDownload {
		t.Errorf("category = %q, want download", ee.Category)
	}
	if ee.GetPriority() != PriorityHigh {
		t.Errorf("priority = %q, want high", ee.GetPriority())
	}

	ctx := ee.GetContext()
	if ctx["stream_id"] != int64(42) {
		t.Errorf("stream_id context = %v, want 42", ctx["stream_id"])
	}
	if ctx["attempt"] != 3 {
		t.Errorf("attempt context = %v, want 3", ctx["attempt"])
	}
}

func TestInvalidPriorityFallsBack(t *testing.T) {
	ee := New(NewStd("x")).Priority("urgent-ish").Build()
	if ee.GetPriority() != PriorityMedium {
		t.Errorf("invalid priority should fall back to medium, got %q", ee.GetPriority())
	}
}

func TestWrappingPreservesChain(t *testing.T) {
	sentinel := NewStd("sentinel")
	wrapped := fmt.Errorf("outer: %w", sentinel)
	ee := New(wrapped).Category(CategoryFileIO).Build()

	if !Is(ee, sentinel) {
		t.Error("errors.Is should find the sentinel through the enhanced error")
	}

	var target *EnhancedError
	if !As(ee, &target) {
		t.Error("errors.As should match *EnhancedError")
	}
}

func TestIsCategory(t *testing.T) {
	ee := New(NewStd("dup")).Category(CategoryConflict).Build()
	if !IsCategory(ee, CategoryConflict) {
		t.Error("IsCategory should match CategoryConflict")
	}
	if !IsConflict(ee) {
		t.Error("IsConflict should match")
	}
	if IsNotFound(ee) {
		t.Error("IsNotFound should not match a conflict error")
	}

	wrapped := fmt.Errorf("wrap: %w", ee)
	if !IsCategory(wrapped, CategoryConflict) {
		t.Error("IsCategory should see through wrapping")
	}
}

func TestDetectCategoryHeuristics(t *testing.T) {
	tests := []struct {
		msg       string
		component string
		want      ErrorCategory
	}{
		{"download failed after 3 attempts", "stager", CategoryDownload},
		{"ffprobe exited with status 1", "stager", CategoryMediaProbe},
		{"context deadline exceeded", "bus", CategoryTimeout},
		{"dial tcp 127.0.0.1:6379: connection refused", "bus", CategoryBusConnection},
		{"validation failed: no sources", "dispatch", CategoryValidation},
		{"something odd happened", "report", CategoryReporting},
	}

	for _, tt := range tests {
		got := detectCategory(NewStd(tt.msg), tt.component)
		if got != tt.want {
			t.Errorf("detectCategory(%q, %q) = %q, want %q", tt.msg, tt.component, got, tt.want)
		}
	}
}

func TestBasicURLScrub(t *testing.T) {
	in := "publish to rtmp://live.example.com/app/sk-1 failed, stream_key=sk-1"
	out := basicURLScrub(in)

	if strings.Contains(out, "sk-1") {
		t.Errorf("scrubbed message still contains key material: %q", out)
	}
	if !strings.Contains(out, "[URL_REDACTED]") {
		t.Errorf("expected URL redaction marker, got %q", out)
	}
}

func TestJoinPassthrough(t *testing.T) {
	a := NewStd("a")
	b := NewStd("b")
	joined := Join(a, b)
	if !Is(joined, a) || !Is(joined, b) {
		t.Error("Join should preserve both errors")
	}
}
