package observability

import (
	"context"
	"errors"
	"testing"

	"supplydesk-backend/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	log, err := NewLogger("debug", false)
	require.NoError(t, err)
	assert.NotNil(t, log)

	_, err = NewLogger("loud", false)
	assert.Error(t, err)
}

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	tp, shutdown, err := SetupTracing(context.Background(), config.OtelConfig{})
	require.NoError(t, err)
	assert.Nil(t, tp)
	assert.NoError(t, shutdown(context.Background()))

	logShutdown, err := SetupLogging(context.Background(), config.OtelConfig{})
	require.NoError(t, err)
	assert.NoError(t, logShutdown(context.Background()))
}

func TestJoinShutdownRunsInReverse(t *testing.T) {
	var order []int
	mk := func(i int, err error) ShutdownFunc {
		return func(context.Context) error {
			order = append(order, i)
			return err
		}
	}
	boom := errors.New("boom")

	err := JoinShutdown(mk(1, nil), nil, mk(2, boom))(context.Background())

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []int{2, 1}, order)
}
