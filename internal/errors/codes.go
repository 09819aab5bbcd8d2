package errors

import "net/http"

// ErrorCode represents a machine-readable error identifier for API clients.
type ErrorCode string

// Ledger verification errors
const (
	ErrCodeInvalidSignature        ErrorCode = "invalid_signature"
	ErrCodeTransactionNotFound     ErrorCode = "transaction_not_found"
	ErrCodeTransactionNotConfirmed ErrorCode = "transaction_not_confirmed"
	ErrCodeTransactionFailed       ErrorCode = "transaction_failed"
	ErrCodeRPCUnavailable          ErrorCode = "rpc_unavailable"
)

// Intent and reconciliation errors
const (
	ErrCodeNoMatchingIntent  ErrorCode = "no_matching_intent"
	ErrCodeIntentExpired     ErrorCode = "intent_expired"
	ErrCodeIntentNotPending  ErrorCode = "intent_not_pending"
	ErrCodeMerchantInactive  ErrorCode = "merchant_inactive"
	ErrCodeInvalidRecipient  ErrorCode = "invalid_recipient"
	ErrCodeAccessExpired     ErrorCode = "access_expired"
	ErrCodeVerificationQueue ErrorCode = "verification_queue_full"
)

// Access token errors
const (
	ErrCodeInvalidToken         ErrorCode = "invalid_token"
	ErrCodeTokenExpired         ErrorCode = "token_expired"
	ErrCodeTokenAlreadyRedeemed ErrorCode = "token_already_redeemed"
	ErrCodeTokenNotFound        ErrorCode = "token_not_found"
	ErrCodeUnauthorized         ErrorCode = "unauthorized"
)

// Validation errors (request input validation)
const (
	ErrCodeMissingField     ErrorCode = "missing_field"
	ErrCodeInvalidField     ErrorCode = "invalid_field"
	ErrCodeInvalidAmount    ErrorCode = "invalid_amount"
	ErrCodeInvalidCurrency  ErrorCode = "invalid_currency"
	ErrCodeInvalidRequest   ErrorCode = "invalid_request"
	ErrCodeMerchantNotFound ErrorCode = "merchant_not_found"
	ErrCodeContentNotFound  ErrorCode = "content_not_found"
	ErrCodeWebhookNotFound  ErrorCode = "webhook_not_found"
)

// Internal/system errors
const (
	ErrCodeInternalError ErrorCode = "internal_error"
	ErrCodeDatabaseError ErrorCode = "database_error"
	ErrCodeConfigError   ErrorCode = "config_error"
)

// IsRetryable returns whether an error code represents a transient condition
// the caller may retry unchanged.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeRPCUnavailable,
		ErrCodeTransactionNotFound,
		ErrCodeTransactionNotConfirmed,
		ErrCodeVerificationQueue,
		ErrCodeDatabaseError:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	case ErrCodeInvalidSignature,
		ErrCodeTransactionNotFound,
		ErrCodeTransactionNotConfirmed,
		ErrCodeTransactionFailed,
		ErrCodeMerchantInactive,
		ErrCodeInvalidRecipient,
		ErrCodeMissingField,
		ErrCodeInvalidField,
		ErrCodeInvalidAmount,
		ErrCodeInvalidCurrency,
		ErrCodeInvalidRequest:
		return http.StatusBadRequest

	case ErrCodeInvalidToken,
		ErrCodeTokenExpired,
		ErrCodeTokenAlreadyRedeemed,
		ErrCodeAccessExpired,
		ErrCodeUnauthorized:
		return http.StatusUnauthorized

	case ErrCodeNoMatchingIntent,
		ErrCodeMerchantNotFound,
		ErrCodeContentNotFound,
		ErrCodeWebhookNotFound,
		ErrCodeTokenNotFound:
		return http.StatusNotFound

	case ErrCodeIntentNotPending:
		return http.StatusConflict

	case ErrCodeIntentExpired:
		return http.StatusGone

	case ErrCodeVerificationQueue:
		return http.StatusTooManyRequests

	case ErrCodeRPCUnavailable:
		return http.StatusBadGateway

	case ErrCodeDatabaseError:
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}
