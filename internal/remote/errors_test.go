package remote

import (
	"context"
	"fmt"
	"testing"

	"github.com/crmsync/batch-engine/internal/domain"
)

func TestKindOf(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"rate limit", &GatewayError{Kind: KindRateLimit, StatusCode: 429}, KindRateLimit},
		{"wrapped gateway error", fmt.Errorf("sync: %w", &GatewayError{Kind: KindNotFound}), KindNotFound},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"plain error", fmt.Errorf("connection refused"), KindNetwork},
	}

	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Fatalf("%s: KindOf() = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	if !IsTransient(&GatewayError{Kind: KindRateLimit}) {
		t.Fatal("rate limit should be transient")
	}
	if !IsTransient(&GatewayError{Kind: KindTimeout}) {
		t.Fatal("timeout should be transient")
	}
	if IsTransient(&GatewayError{Kind: KindAPIError, StatusCode: 400}) {
		t.Fatal("api error should not be transient")
	}
	if IsTransient(nil) {
		t.Fatal("nil should not be transient")
	}
}

func TestFailureTypeOf(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want domain.FailureType
	}{
		{&GatewayError{Kind: KindRateLimit}, domain.FailureRateLimit},
		{&GatewayError{Kind: KindTimeout}, domain.FailureTimeout},
		{&GatewayError{Kind: KindAPIError}, domain.FailureAPIError},
		{&GatewayError{Kind: KindNotFound}, domain.FailureAPIError},
		{&GatewayError{Kind: KindNetwork}, domain.FailureNetwork},
		{fmt.Errorf("socket closed"), domain.FailureNetwork},
	}

	for _, tc := range cases {
		if got := FailureTypeOf(tc.err); got != tc.want {
			t.Fatalf("FailureTypeOf(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestGatewayErrorMessage(t *testing.T) {
	t.Parallel()

	err := &GatewayError{Kind: KindRateLimit, StatusCode: 429, Message: "crm returned status 429"}
	got := err.Error()
	if got == "" || got == "<nil>" {
		t.Fatalf("Error() = %q", got)
	}
}
