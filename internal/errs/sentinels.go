// Package errs contains sentinel errors shared by storage, services and the HTTP layer.
package errs

import "errors"

var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique constraint violation.
	ErrAlreadyExists = errors.New("already exists")

	ErrUserUnknown         = errors.New("user unknown")
	ErrRelationNotFound    = errors.New("relation not found")
	ErrCarrierRequired     = errors.New("carrier required")
	ErrAlreadyDelivered    = errors.New("already delivered")
	ErrAlreadySubscribed   = errors.New("already subscribed")
	ErrAlreadyUnsubscribed = errors.New("already unsubscribed")
	ErrQuotaExhausted      = errors.New("quota exhausted")
	ErrDuplicateRelation   = errors.New("duplicate relation")
)
