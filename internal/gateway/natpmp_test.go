package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNATPMPUndiscoveredIsUnreachable(t *testing.T) {
	c := NewNATPMPClient(time.Second)
	assert.Equal(t, "natpmp", c.Name())

	_, err := c.ListMappings(context.Background())
	require.Error(t, err)
	assert.True(t, IsUnreachable(err))

	err = c.AddMapping(context.Background(), MappingRecord{ExternalPort: 80, Protocol: ProtocolTCP})
	require.Error(t, err)
	assert.True(t, IsUnreachable(err))

	err = c.DeleteMapping(context.Background(), 80, ProtocolTCP)
	require.Error(t, err)
	assert.True(t, IsUnreachable(err))
}
