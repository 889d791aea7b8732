package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is missing a required setting
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrMissingMetadata is returned when a checkout session lacks user_id or credits_amount
	ErrMissingMetadata = errors.New("checkout session metadata missing")

	// ErrPaymentNotCompleted is returned when a session is not paid
	ErrPaymentNotCompleted = errors.New("payment not completed")

	// ErrProviderAPIError is returned when the provider's API returns an error
	ErrProviderAPIError = errors.New("billing provider API error")

	// ErrFailureNotFound is returned by ledgers when a dead-letter record does not exist
	ErrFailureNotFound = errors.New("failed grant not found")
)
