package apperror

import "net/http"

const (
	CodeInternal            = "INTERNAL"
	CodeNotFound            = "NOT_FOUND"
	CodeInvalidArgument     = "INVALID_ARGUMENT"
	CodeInvalidPackage      = "INVALID_PACKAGE"
	CodeInvalidImage        = "INVALID_IMAGE"
	CodeInsufficientCredits = "INSUFFICIENT_CREDITS"
	CodePaymentNotCompleted = "PAYMENT_NOT_COMPLETED"
	CodePurchaseClosed      = "PURCHASE_CLOSED"
	CodeSignatureInvalid    = "SIGNATURE_INVALID"
	CodeUnauthenticated     = "UNAUTHENTICATED"
	CodeForbidden           = "FORBIDDEN"
	CodeConflict            = "CONFLICT"
	CodeVendorUnavailable   = "VENDOR_UNAVAILABLE"
	CodeTimeout             = "TIMEOUT"
	CodeRateLimited         = "RATE_LIMITED"
)

var statusByCode = map[string]int{
	CodeInternal:            http.StatusInternalServerError,
	CodeNotFound:            http.StatusNotFound,
	CodeInvalidArgument:     http.StatusBadRequest,
	CodeInvalidPackage:      http.StatusBadRequest,
	CodeInvalidImage:        http.StatusBadRequest,
	CodeInsufficientCredits: http.StatusPaymentRequired,
	CodePaymentNotCompleted: http.StatusBadRequest,
	CodePurchaseClosed:      http.StatusConflict,
	CodeSignatureInvalid:    http.StatusBadRequest,
	CodeUnauthenticated:     http.StatusUnauthorized,
	CodeForbidden:           http.StatusForbidden,
	CodeConflict:            http.StatusServiceUnavailable,
	CodeVendorUnavailable:   http.StatusBadGateway,
	CodeTimeout:             http.StatusGatewayTimeout,
	CodeRateLimited:         http.StatusTooManyRequests,
}

// HTTPStatus maps an error code to its response status. Unknown codes are 500.
func HTTPStatus(code string) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}
