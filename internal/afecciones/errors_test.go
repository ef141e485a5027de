package afecciones

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOfAndUnwrap(t *testing.T) {
	base := errors.New("boom")
	err := WrapError(KindBackendUnavailable, base, "query failed")

	if KindOf(err) != KindBackendUnavailable {
		t.Errorf("expected backend_unavailable, got %s", KindOf(err))
	}
	if !errors.Is(err, base) {
		t.Error("expected the wrapped cause to survive errors.Is")
	}

	// Wrapping again with fmt keeps the kind reachable.
	outer := fmt.Errorf("sync: %w", err)
	if KindOf(outer) != KindBackendUnavailable {
		t.Errorf("expected kind through fmt wrapping, got %s", KindOf(outer))
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindNotFound, http.StatusNotFound},
		{KindInvalidGeometry, http.StatusUnprocessableEntity},
		{KindBackendUnavailable, http.StatusServiceUnavailable},
		{KindUpstreamTimeout, http.StatusGatewayTimeout},
	}
	for _, c := range cases {
		err := NewError(c.kind, "x")
		if got := HTTPStatus(err); got != c.want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", c.kind, got, c.want)
		}
	}
	if got := HTTPStatus(errors.New("plain")); got != http.StatusInternalServerError {
		t.Errorf("expected 500 for a plain error, got %d", got)
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(NewError(KindNotFound, "missing")) {
		t.Error("expected IsNotFound to match")
	}
	if IsNotFound(NewError(KindUpstreamTimeout, "slow")) {
		t.Error("expected IsNotFound not to match other kinds")
	}
}
