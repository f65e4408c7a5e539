package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/basket/proofline/internal/blob"
	"github.com/basket/proofline/internal/lifecycle"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err    error
		status int
		kind   string
	}{
		{fmt.Errorf("%w: proof required", lifecycle.ErrValidation), http.StatusBadRequest, "validation"},
		{fmt.Errorf("%w: task t1", lifecycle.ErrNotFound), http.StatusNotFound, "not_found"},
		{fmt.Errorf("%w: bob is not the reviewer", lifecycle.ErrForbidden), http.StatusForbidden, "forbidden"},
		{fmt.Errorf("apply: %w", lifecycle.ErrConflict), http.StatusConflict, "conflict"},
		{fmt.Errorf("%w: disk full", lifecycle.ErrStorage), http.StatusBadGateway, "storage"},
		{fmt.Errorf("%w: %w", lifecycle.ErrStorage, blob.ErrTooLarge), http.StatusRequestEntityTooLarge, "too_large"},
		{&http.MaxBytesError{Limit: 10}, http.StatusRequestEntityTooLarge, "too_large"},
		{blob.ErrInvalidRef, http.StatusBadRequest, "validation"},
		{errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		status, kind := statusFor(tc.err)
		if status != tc.status || kind != tc.kind {
			t.Errorf("statusFor(%v) = %d %s, want %d %s", tc.err, status, kind, tc.status, tc.kind)
		}
	}
}
