package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/docketwatch/docketwatch/internal/guard"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "nil error",
			err:  nil,
			want: "",
		},
		{
			name: "stdlib sentinel",
			err:  context.DeadlineExceeded,
			want: "context_deadlineexceedederror",
		},
		{
			name: "errors.New",
			err:  errors.New("boom"),
			want: "errors_errorstring",
		},
		{
			name: "unwraps to the innermost type",
			err:  fmt.Errorf("outer: %w", &guard.CircuitOpenError{Dependency: "docket"}),
			want: "guard_circuitopenerror",
		},
		{
			name: "rate limit error",
			err:  &guard.RateLimitError{Dependency: "search"},
			want: "guard_ratelimiterror",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}
