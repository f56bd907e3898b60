package domain

import "errors"

// Application errors. Handlers map these to HTTP statuses at the boundary;
// nothing below the handler layer knows about status codes.
var (
	// ErrNotFound: the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrSubscriptionNotFound: no subscription row for the given key.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrDuplicate: a unique constraint was violated on insert.
	ErrDuplicate = errors.New("duplicate record")

	// ErrInvalidInput: malformed or missing required input.
	ErrInvalidInput = errors.New("invalid input data")

	// ErrUnauthenticated: no verified user identity on the request.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrInvalidPlan: the subscription references a plan missing from the catalog.
	ErrInvalidPlan = errors.New("invalid subscription plan")

	// ErrInvalidOperation: credit operation type outside the closed set.
	ErrInvalidOperation = errors.New("invalid operation type")

	// ErrInsufficientCredits: a USE operation exceeds the current balance.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrCannotCancelFree: the free tier has nothing to cancel.
	ErrCannotCancelFree = errors.New("cannot cancel free subscription")

	// ErrWebhookVerification: webhook payload failed signature verification.
	ErrWebhookVerification = errors.New("webhook signature verification failed")

	// ErrExternalService: a collaborator (payment, email, CMS) failed.
	ErrExternalService = errors.New("external service unavailable")
)
