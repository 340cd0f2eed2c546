package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{
			name: "typed error",
			err:  New(KindValidation, "empty query"),
			want: KindValidation,
		},
		{
			name: "wrapped typed error",
			err:  fmt.Errorf("search failed: %w", New(KindTimeout, "deadline exceeded")),
			want: KindTimeout,
		},
		{
			name: "plain error",
			err:  errors.New("boom"),
			want: KindInternal,
		},
		{
			name: "typed error wrapping a cause",
			err:  Wrap(KindStorage, "insert failed", errors.New("connection refused")),
			want: KindStorage,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.want, KindOf(test.err))
		})
	}
}

func TestErrorMessage(t *testing.T) {
	err := Wrap(KindProviderUnavailable, "embeddings call failed", errors.New("dial tcp: refused"))
	assert.Equal(t, "provider_unavailable: embeddings call failed: dial tcp: refused", err.Error())

	bare := New(KindConflict, "record is not failed")
	assert.Equal(t, "conflict: record is not failed", bare.Error())
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("underlying")
	err := Wrap(KindStorage, "write failed", cause)
	assert.True(t, errors.Is(err, cause))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindValidation, http.StatusBadRequest},
		{KindNotFound, http.StatusNotFound},
		{KindConflict, http.StatusConflict},
		{KindRateLimited, http.StatusTooManyRequests},
		{KindTimeout, http.StatusGatewayTimeout},
		{KindProviderUnavailable, http.StatusBadGateway},
		{KindInvalidResponse, http.StatusBadGateway},
		{KindQueryEmbedding, http.StatusBadGateway},
		{KindShuttingDown, http.StatusServiceUnavailable},
		{KindStorage, http.StatusInternalServerError},
		{KindInternal, http.StatusInternalServerError},
	}

	for _, test := range tests {
		t.Run(string(test.kind), func(t *testing.T) {
			assert.Equal(t, test.want, HTTPStatus(New(test.kind, "x")))
		})
	}

	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("untyped")))
}
