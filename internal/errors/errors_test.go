package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{ErrCodeTransactionFailed, http.StatusBadRequest},
		{ErrCodeTransactionNotFound, http.StatusBadRequest},
		{ErrCodeTokenAlreadyRedeemed, http.StatusUnauthorized},
		{ErrCodeNoMatchingIntent, http.StatusNotFound},
		{ErrCodeWebhookNotFound, http.StatusNotFound},
		{ErrCodeUnauthorized, http.StatusUnauthorized},
		{ErrCodeIntentExpired, http.StatusGone},
		{ErrCodeRPCUnavailable, http.StatusBadGateway},
		{ErrorCode("unknown"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := tt.code.HTTPStatus(); got != tt.want {
			t.Errorf("%s.HTTPStatus() = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	if !ErrCodeRPCUnavailable.IsRetryable() {
		t.Error("expected rpc_unavailable to be retryable")
	}
	if ErrCodeTransactionFailed.IsRetryable() {
		t.Error("expected transaction_failed to be permanent")
	}
}

func TestCodeOf(t *testing.T) {
	base := New(ErrCodeIntentExpired, "payment intent expired")
	wrapped := fmt.Errorf("reconcile: %w", base)

	if CodeOf(wrapped) != ErrCodeIntentExpired {
		t.Fatalf("expected code through wrapping, got %s", CodeOf(wrapped))
	}
	if CodeOf(stderrors.New("boom")) != ErrCodeInternalError {
		t.Fatal("expected internal error for plain errors")
	}
	if !HasCode(wrapped, ErrCodeIntentExpired) {
		t.Fatal("expected HasCode to match")
	}
}

func TestWrapUnwraps(t *testing.T) {
	cause := stderrors.New("connection reset")
	err := Wrap(ErrCodeRPCUnavailable, "ledger unavailable", cause)
	if !stderrors.Is(err, cause) {
		t.Fatal("expected wrapped cause to be reachable")
	}
}

func TestWriteFromError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteFromError(rec, New(ErrCodeTokenAlreadyRedeemed, "token has already been redeemed"))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	var body ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != ErrCodeTokenAlreadyRedeemed || body.Error.Retryable {
		t.Fatalf("unexpected body %+v", body)
	}

	rec = httptest.NewRecorder()
	WriteFromError(rec, stderrors.New("secret internals"))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}
