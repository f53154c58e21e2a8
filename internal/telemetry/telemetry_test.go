package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "dirwatcher"})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))

	c, err := Meter("test").Int64Counter("test.counter")
	require.NoError(t, err)
	c.Add(context.Background(), 1)

	_, span := Tracer("test").Start(context.Background(), "noop")
	span.End()
}
