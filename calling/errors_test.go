/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		err  *Error
		want string
	}{
		{&Error{Kind: KindDeviceNotReady}, "DeviceNotReady"},
		{NewCallError(31005, "connection error"), "CallError (31005): connection error"},
		{newError(KindTokenRequestFailed, "token request", errors.New("dial tcp: refused")), "TokenRequestFailed: token request: dial tcp: refused"},
	}
	for _, tc := range tests {
		if got := tc.err.Error(); got != tc.want {
			t.Errorf("Expected %q, got %q", tc.want, got)
		}
	}
}

func TestErrorIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("dialing: %w", NewCallError(486, "busy"))

	if !errors.Is(err, ErrCallError) {
		t.Error("Expected wrapped call error to match ErrCallError")
	}
	if errors.Is(err, ErrDeviceNotReady) {
		t.Error("Expected call error not to match ErrDeviceNotReady")
	}

	var e *Error
	if !errors.As(err, &e) || e.Code != 486 {
		t.Errorf("Expected code 486, got %+v", e)
	}
}

func TestIsKindWalksCauses(t *testing.T) {
	inner := newError(KindAuthRequired, "no credential", nil)
	outer := newError(KindTokenRequestFailed, "reconnect", inner)

	if !IsKind(outer, KindTokenRequestFailed) || !IsKind(outer, KindAuthRequired) {
		t.Error("Expected IsKind to match both kinds in the chain")
	}
	if IsKind(outer, KindCallError) {
		t.Error("Expected no CallError in the chain")
	}
	if IsKind(nil, KindCallError) || IsKind(context.Canceled, KindCallError) {
		t.Error("Expected plain errors to match no kind")
	}

	if got := KindOf(outer); got != KindTokenRequestFailed {
		t.Errorf("Expected outermost kind, got %q", got)
	}
	if got := KindOf(errors.New("plain")); got != "" {
		t.Errorf("Expected empty kind, got %q", got)
	}
}

func TestErrorUnwrap(t *testing.T) {
	err := newError(KindHistoryFetchFailed, "", context.DeadlineExceeded)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("Expected the cause to be reachable")
	}
}
