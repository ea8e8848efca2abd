package errs

import "errors"

// Application status codes returned by the subscription endpoints. The block is
// reserved: no other endpoint may answer with these values.
const (
	StatusUserUnknown         = 520
	StatusRelationNotFound    = 521
	StatusCarrierRequired     = 522
	StatusAlreadyDelivered    = 523
	StatusAlreadySubscribed   = 524
	StatusAlreadyUnsubscribed = 525
	StatusQuotaExhausted      = 526
	StatusDuplicateRelation   = 527
)

var codes = []struct {
	err  error
	code int
}{
	{ErrUserUnknown, StatusUserUnknown},
	{ErrRelationNotFound, StatusRelationNotFound},
	{ErrCarrierRequired, StatusCarrierRequired},
	{ErrAlreadyDelivered, StatusAlreadyDelivered},
	{ErrAlreadySubscribed, StatusAlreadySubscribed},
	{ErrAlreadyUnsubscribed, StatusAlreadyUnsubscribed},
	{ErrQuotaExhausted, StatusQuotaExhausted},
	{ErrDuplicateRelation, StatusDuplicateRelation},
}

// StatusCode maps err to its reserved application code. ok is false for errors
// outside the taxonomy.
func StatusCode(err error) (code int, ok bool) {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code, true
		}
	}
	return 0, false
}
