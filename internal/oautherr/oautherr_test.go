package oautherr

import (
	"fmt"
	"net/http"
	"testing"
)

func TestErrorChain(t *testing.T) {
	base := Grant("claim %s is not valid", "acr").WithState("xyz")
	wrapped := fmt.Errorf("exchange code: %w", base)

	oe, ok := As(wrapped)
	if !ok {
		t.Fatal("expected protocol error in chain")
	}
	if oe.Code != InvalidGrant {
		t.Errorf("expected code %s, got %s", InvalidGrant, oe.Code)
	}
	if oe.State != "xyz" {
		t.Errorf("expected state xyz, got %q", oe.State)
	}
	if !IsCode(wrapped, InvalidGrant) {
		t.Error("IsCode should match wrapped error")
	}
	if IsCode(fmt.Errorf("plain"), InvalidGrant) {
		t.Error("IsCode should not match plain error")
	}
	if base.Error() != "invalid_grant: claim acr is not valid" {
		t.Errorf("unexpected message %q", base.Error())
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  *Error
		want int
	}{
		{Client("x"), http.StatusUnauthorized},
		{Internal("x"), http.StatusInternalServerError},
		{Scope("x"), http.StatusBadRequest},
		{Token("x"), http.StatusBadRequest},
	}
	for _, tt := range tests {
		if got := tt.err.HTTPStatus(); got != tt.want {
			t.Errorf("%s: expected %d, got %d", tt.err.Code, tt.want, got)
		}
	}
}

func TestWithStateDoesNotMutate(t *testing.T) {
	e := Request("missing")
	_ = e.WithState("s1")
	if e.State != "" {
		t.Errorf("original error was mutated: %q", e.State)
	}
}
