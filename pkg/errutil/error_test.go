package errutil

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBaseErrorWrapping(t *testing.T) {
	cause := errors.New("balance too low")
	err := fmt.Errorf("submit: %w", PaymentRequired("insufficient credits", cause))

	be, ok := As(err)
	require.True(t, ok)
	require.Equal(t, StatusPaymentRequired, be.Status())
	require.Equal(t, http.StatusPaymentRequired, be.Code.HTTPStatus())
	require.ErrorIs(t, err, cause)
	require.Contains(t, be.Error(), "balance too low")
}

func TestHTTPStatusMapping(t *testing.T) {
	require.Equal(t, http.StatusTooManyRequests, StatusTooManyRequests.HTTPStatus())
	require.Equal(t, http.StatusNotFound, StatusNotFound.HTTPStatus())
	require.Equal(t, http.StatusBadRequest, StatusValidationFailed.HTTPStatus())
	require.Equal(t, http.StatusInternalServerError, CoreStatus("whatever").HTTPStatus())
}

func TestAsPlainError(t *testing.T) {
	_, ok := As(errors.New("plain"))
	require.False(t, ok)
}
