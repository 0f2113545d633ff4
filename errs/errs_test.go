package errs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesContext(t *testing.T) {
	err := New(
		"viewport",
		CodeEmptySeries,
		WithMessage("no resolvable image references"),
		WithSurface("left"),
		WithProtocol("ct-chest-3view"),
		WithSeries("1.2.3"),
		WithViewport("axial"),
		WithField("dropped", "12"),
		WithCause(errors.New("all locators unresolvable")),
	)

	out := err.Error()
	for _, want := range []string{
		"component=viewport",
		"code=empty_series",
		`surface="left"`,
		`protocol="ct-chest-3view"`,
		`series="1.2.3"`,
		`viewport="axial"`,
		`meta=dropped="12"`,
		`cause="all locators unresolvable"`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in error string: %s", want, out)
		}
	}
}

func TestEmptyComponentAndCodeFormatAsUnknown(t *testing.T) {
	err := New("  ", "")
	out := err.Error()
	if !strings.Contains(out, "component=unknown") || !strings.Contains(out, "code=unknown") {
		t.Fatalf("expected unknown markers, got %s", out)
	}
}

func TestWithFieldIgnoresBlankKey(t *testing.T) {
	err := New("x", CodeInvalid, WithField(" ", "v"))
	if err.Metadata != nil {
		t.Fatalf("expected no metadata, got %v", err.Metadata)
	}
}

func TestNilEnvelopeFormats(t *testing.T) {
	var e *E
	if e.Error() != "<nil>" {
		t.Fatalf("expected <nil>, got %q", e.Error())
	}
}

func TestCodeOfAndIsFollowWrapping(t *testing.T) {
	inner := New("loader", CodeCancelled, WithCause(context.Canceled))
	outer := New("viewport", CodeVolumeFailed, WithCause(inner))
	wrapped := fmt.Errorf("configure: %w", outer)

	if got := CodeOf(wrapped); got != CodeVolumeFailed {
		t.Fatalf("expected outermost code volume_failed, got %q", got)
	}
	if !Is(wrapped, CodeCancelled) {
		t.Fatal("expected nested cancelled code to be found")
	}
	if Is(wrapped, CodeBusy) {
		t.Fatal("did not expect busy code")
	}
	if !errors.Is(wrapped, context.Canceled) {
		t.Fatal("expected context.Canceled to remain reachable")
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Fatal("expected empty code for plain errors")
	}
}

func TestCancelledHelper(t *testing.T) {
	err := Cancelled("loader", context.Canceled)
	if err.Code != CodeCancelled {
		t.Fatalf("expected cancelled code, got %q", err.Code)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatal("expected cause to unwrap")
	}
}
