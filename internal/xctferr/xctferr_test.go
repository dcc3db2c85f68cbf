package xctferr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/xctf-platform/sandboxd/internal/xctferr"
)

func TestIs_MatchesKind(t *testing.T) {
	err := xctferr.New(xctferr.KindNotFound, "challenge not found")
	if !xctferr.Is(err, xctferr.KindNotFound) {
		t.Fatal("expected Is to match the same kind")
	}
	if xctferr.Is(err, xctferr.KindValidation) {
		t.Fatal("expected Is to reject a different kind")
	}
}

func TestIs_FalseForPlainError(t *testing.T) {
	if xctferr.Is(errors.New("boom"), xctferr.KindNotFound) {
		t.Fatal("expected Is to return false for a non-xctferr error")
	}
	if xctferr.Is(nil, xctferr.KindNotFound) {
		t.Fatal("expected Is to return false for nil")
	}
}

func TestWrap_PreservesCauseAndUnwraps(t *testing.T) {
	cause := errors.New("container runtime unavailable")
	wrapped := xctferr.Wrap(xctferr.KindContainerRuntime, "create container", cause)

	if !errors.Is(wrapped, cause) {
		t.Fatal("expected errors.Is to find the wrapped cause")
	}
	if !xctferr.Is(wrapped, xctferr.KindContainerRuntime) {
		t.Fatal("expected Is to match the wrapped error's kind")
	}

	wrappedAgain := fmt.Errorf("sandbox create: %w", wrapped)
	if !xctferr.Is(wrappedAgain, xctferr.KindContainerRuntime) {
		t.Fatal("expected Is to see through an additional fmt.Errorf wrap")
	}
}

func TestError_MessageFormatting(t *testing.T) {
	withoutCause := xctferr.New(xctferr.KindValidation, "flag is required")
	if withoutCause.Error() != "validation_error: flag is required" {
		t.Fatalf("unexpected message: %s", withoutCause.Error())
	}

	cause := errors.New("disk full")
	withCause := xctferr.Wrap(xctferr.KindVolumeProvisioning, "provision volume", cause)
	want := "volume_provisioning_error: provision volume: disk full"
	if withCause.Error() != want {
		t.Fatalf("expected %q, got %q", want, withCause.Error())
	}
}
