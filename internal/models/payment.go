package models

import "github.com/shopspring/decimal"

type CreateCheckoutRequest struct {
	PackageKey string `json:"packageKey" validate:"required,max=50"`
}

type PaymentSuccessRequest struct {
	SessionRef string `json:"sessionRef" validate:"required,max=255"`
}

type CheckoutSession struct {
	SessionRef    string `json:"sessionId"`
	URL           string `json:"url"`
	TransactionID uint   `json:"transactionId"`
}

type SettleResult struct {
	TransactionID  uint            `json:"transactionId"`
	CreditsAdded   int             `json:"credits"`
	NewBalance     int             `json:"totalCredits"`
	Amount         decimal.Decimal `json:"amount"`
	AlreadySettled bool            `json:"alreadySettled"`
}
