package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil error", nil, ErrorTransient},
		{"connection timeout", ErrConnectionTimeout, ErrorTransient},
		{"connection lost", ErrConnectionLost, ErrorTransient},
		{"context deadline", context.DeadlineExceeded, ErrorTransient},
		{"invalid data", ErrInvalidData, ErrorInvalid},
		{"invalid destination", ErrInvalidDestination, ErrorInvalid},
		{"missing config", ErrMissingConfig, ErrorFatal},
		{"unknown defaults to transient", stderrors.New("something odd"), ErrorTransient},
		{"message pattern match", stderrors.New("dial tcp: i/o timeout"), ErrorTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestWrapTransient(t *testing.T) {
	base := stderrors.New("broker gone")
	err := WrapTransient(base, "BrokerClient", "Connect", "establish connection")

	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.False(t, IsInvalid(err))
	assert.True(t, stderrors.Is(err, base))
	assert.Contains(t, err.Error(), "BrokerClient.Connect: establish connection failed")
}

func TestWrapInvalid(t *testing.T) {
	err := WrapInvalid(ErrInvalidDestination, "Store", "CreateDestination", "name validation")

	require.Error(t, err)
	assert.True(t, IsInvalid(err))
	assert.False(t, IsTransient(err))

	var ce *ClassifiedError
	require.True(t, stderrors.As(err, &ce))
	assert.Equal(t, "Store", ce.Component)
	assert.Equal(t, "CreateDestination", ce.Operation)
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "c", "m", "a"))
	assert.NoError(t, WrapTransient(nil, "c", "m", "a"))
	assert.NoError(t, WrapInvalid(nil, "c", "m", "a"))
	assert.NoError(t, WrapFatal(nil, "c", "m", "a"))
}

func TestClassificationSurvivesWrapping(t *testing.T) {
	inner := WrapInvalid(ErrParsingFailed, "CloudClient", "handleMessage", "payload parse")
	outer := fmt.Errorf("session ended: %w", inner)

	assert.True(t, IsInvalid(outer))
	assert.Equal(t, ErrorInvalid, Classify(outer))
}
