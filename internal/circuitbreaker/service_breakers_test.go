package circuitbreaker

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServiceBreakers_StartsHealthy(t *testing.T) {
	breakers := NewServiceBreakers()
	status, deps := breakers.HealthStatus()

	assert.Equal(t, "HEALTHY", status)
	assert.Equal(t, "CLOSED", deps["elastic"])
	assert.Equal(t, "CLOSED", deps["premium"])
	assert.Equal(t, "CLOSED", deps["cloud-tasks"])
	assert.Equal(t, "CLOSED", deps["event-bus"])
}

func TestNewServiceBreakers_ElasticTripsAfterThreeConsecutiveFailures(t *testing.T) {
	breakers := NewServiceBreakers()
	failing := func() (interface{}, error) { return nil, errors.New("boom") }

	for i := 0; i < 3; i++ {
		_, err := breakers.Elastic.Execute(failing)
		require.Error(t, err)
	}

	status, deps := breakers.HealthStatus()
	assert.Equal(t, "DEGRADED", status)
	assert.Equal(t, "OPEN", deps["elastic"])

	_, err := breakers.Elastic.Execute(failing)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}
