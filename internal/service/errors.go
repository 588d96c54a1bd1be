package service

import "github.com/sefazor/cutout-backend/pkg/apperror"

var (
	ErrAccountNotFound     = apperror.New(apperror.CodeNotFound, "Account not found")
	ErrTransactionNotFound = apperror.New(apperror.CodeNotFound, "Transaction not found")
	ErrImageNotFound       = apperror.New(apperror.CodeNotFound, "Image not found")

	ErrInvalidArgument     = apperror.New(apperror.CodeInvalidArgument, "Invalid request")
	ErrInvalidPackage      = apperror.New(apperror.CodeInvalidPackage, "Invalid package selected")
	ErrInsufficientCredits = apperror.New(apperror.CodeInsufficientCredits, "Insufficient credits")
	ErrPaymentNotCompleted = apperror.New(apperror.CodePaymentNotCompleted, "Payment not completed")
	ErrPurchaseClosed      = apperror.New(apperror.CodePurchaseClosed, "Purchase is no longer pending")
	ErrSignatureInvalid    = apperror.New(apperror.CodeSignatureInvalid, "Webhook signature verification failed")

	ErrUnauthenticated = apperror.New(apperror.CodeUnauthenticated, "Authentication required")
	ErrAccountInactive = apperror.New(apperror.CodeForbidden, "Account is deactivated")

	ErrConflict                   = apperror.New(apperror.CodeConflict, "Too many concurrent updates, please retry")
	ErrVendorUnavailable          = apperror.New(apperror.CodeVendorUnavailable, "Background removal service is currently unavailable")
	ErrPaymentProviderUnavailable = apperror.New(apperror.CodeVendorUnavailable, "Payment provider is currently unavailable")
	ErrStorageUnavailable         = apperror.New(apperror.CodeVendorUnavailable, "Image storage is currently unavailable")
	ErrTimeout                    = apperror.New(apperror.CodeTimeout, "Background removal timed out")
)

// wrap keeps sentinel identity for errors.Is while carrying the cause.
func wrap(sentinel *apperror.AppError, cause error) error {
	return apperror.Wrap(sentinel.Code(), sentinel.Message(), cause)
}

func invalidImage(message string) error {
	return apperror.New(apperror.CodeInvalidImage, message)
}
