package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestCodeOf_WalksWrapChain(t *testing.T) {
	err := fmt.Errorf("get requirement: %w", NotFound("requirement", "r1"))
	if CodeOf(err) != CodeNotFound {
		t.Fatalf("code = %s", CodeOf(err))
	}
	if !IsNotFound(err) {
		t.Fatal("IsNotFound = false")
	}
	if MessageOf(err) != `requirement "r1" not found` {
		t.Fatalf("message = %q", MessageOf(err))
	}
}

func TestCodeOf_PlainErrorIsInternal(t *testing.T) {
	err := errors.New("disk on fire")
	if CodeOf(err) != CodeInternal {
		t.Fatalf("code = %s", CodeOf(err))
	}
	if MessageOf(err) != "internal error" {
		t.Fatalf("message leaked: %q", MessageOf(err))
	}
}

func TestUnavailable_Unwraps(t *testing.T) {
	cause := errors.New("all providers failed")
	err := Unavailable("AI unavailable", cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected cause in chain")
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		CodeNotFound:    http.StatusNotFound,
		CodeInvalid:     http.StatusBadRequest,
		CodeConflict:    http.StatusConflict,
		CodeUnavailable: http.StatusServiceUnavailable,
		CodeInternal:    http.StatusInternalServerError,
		CodeRateLimited: http.StatusTooManyRequests,
	}
	for code, want := range cases {
		if got := HTTPStatus(code); got != want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", code, got, want)
		}
	}
}
