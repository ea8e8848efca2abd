package errs

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusCode(t *testing.T) {
	cases := map[error]int{
		ErrUserUnknown:         520,
		ErrRelationNotFound:    521,
		ErrCarrierRequired:     522,
		ErrAlreadyDelivered:    523,
		ErrAlreadySubscribed:   524,
		ErrAlreadyUnsubscribed: 525,
		ErrQuotaExhausted:      526,
		ErrDuplicateRelation:   527,
	}
	for err, want := range cases {
		got, ok := StatusCode(fmt.Errorf("track: %w", err))
		require.True(t, ok, err.Error())
		require.Equal(t, want, got)
	}

	_, ok := StatusCode(ErrNotFound)
	require.False(t, ok)
}
