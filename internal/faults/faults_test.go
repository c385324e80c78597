package faults

import (
	"fmt"
	"testing"
)

func TestIsFatal(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{ErrPermissionDenied, true},
		{fmt.Errorf("recognition not-allowed: %w", ErrPermissionDenied), true},
		{fmt.Errorf("start: %w", ErrUnsupportedEnvironment), true},
		{ErrTransientEngine, false},
		{ErrDeviceUnavailable, false},
		{fmt.Errorf("call peer: %w: %w", ErrCallCollision, ErrCallSetup), false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := IsFatal(tc.err); got != tc.want {
			t.Errorf("IsFatal(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
