package client

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// TestCategorizeError verifies that CategorizeError maps errors to the correct ErrorCategory
// for metrics labeling, including sentinel errors, wrapped errors, and message-based heuristics.
func TestCategorizeError(t *testing.T) {
	// name: test case description; err: input error; want: expected ErrorCategory.
	tests := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{"nil", nil, ""},
		{"timeout context", context.DeadlineExceeded, ErrorCategoryTimeout},
		{"canceled context", context.Canceled, ErrorCategoryTimeout},
		{"circuit open", fmt.Errorf("%w: openmeteo: %w", ErrUpstreamUnavailable, errCircuitOpen), ErrorCategoryCircuitOpen},
		{"malformed", fmt.Errorf("%w: daily missing", ErrUpstreamMalformed), ErrorCategoryMalformed},
		{"rate limited", fmt.Errorf("%w: %w", ErrUpstreamUnavailable, &statusError{code: 429}), ErrorCategoryRateLimited},
		{"server error", fmt.Errorf("%w: %w", ErrUpstreamUnavailable, &statusError{code: 502}), ErrorCategoryUpstream5xx},
		{"client error", &statusError{code: 404}, ErrorCategoryUpstream4xx},
		{"timeout in message", errors.New("request timeout"), ErrorCategoryTimeout},
		{"network in message", errors.New("dial tcp: connection refused"), ErrorCategoryNetwork},
		{"unknown", errors.New("something else"), ErrorCategoryUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CategorizeError(tt.err)
			if got != tt.want {
				t.Errorf("CategorizeError() = %v, want %v", got, tt.want)
			}
		})
	}
}
