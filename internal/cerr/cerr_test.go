package cerr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindOfUnwrapsWrappedError(t *testing.T) {
	base := IO("cas.Load", "/tmp/blob", "read", errors.New("disk full"))
	wrapped := fmt.Errorf("loading blob: %w", base)
	if got := KindOf(wrapped); got != KindIO {
		t.Fatalf("expected KindIO, got %v", got)
	}
}

func TestKindOfReturnsUnknownForPlainError(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != KindUnknown {
		t.Fatalf("expected KindUnknown, got %v", got)
	}
}

func TestErrorsIsMatchesOnKindAlone(t *testing.T) {
	err := Graph("dag.Build", "b", "a", nil, errors.New("missing dependency"))
	if !errors.Is(err, &Error{Kind: KindGraph}) {
		t.Fatal("expected errors.Is to match on Kind")
	}
	if errors.Is(err, &Error{Kind: KindIO}) {
		t.Fatal("expected errors.Is to not match a different Kind")
	}
}

func TestErrorStringIncludesStructuredFields(t *testing.T) {
	err := Graph("dag.Build", "task-b", "task-a", []string{"task-a", "task-b", "task-a"}, errors.New("cycle"))
	msg := err.Error()
	for _, want := range []string{"dag.Build", "graph", "task=task-b", "dependency=task-a", "cycle"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected error message %q to contain %q", msg, want)
		}
	}
}
