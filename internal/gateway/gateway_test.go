package gateway

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProtocol(t *testing.T) {
	for in, want := range map[string]Protocol{
		"tcp": ProtocolTCP, "TCP": ProtocolTCP,
		"udp": ProtocolUDP, "UDP": ProtocolUDP,
	} {
		got, err := ParseProtocol(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseProtocol("sctp")
	assert.Error(t, err)
	_, err = ParseProtocol("")
	assert.Error(t, err)
}

func TestProtocolWire(t *testing.T) {
	assert.Equal(t, "TCP", ProtocolTCP.Wire())
	assert.Equal(t, "UDP", ProtocolUDP.Wire())
}

func TestClassOf(t *testing.T) {
	assert.Equal(t, ClassTransient, ClassOf(transient("add", assert.AnError)))
	assert.Equal(t, ClassPermanent, ClassOf(permanent("add", assert.AnError)))
	assert.Equal(t, ClassUnreachable, ClassOf(unreachable("list", assert.AnError)))

	// Unknown errors default to transient so they get retried.
	assert.Equal(t, ClassTransient, ClassOf(errors.New("mystery")))

	assert.Equal(t, ClassUnreachable, ClassOf(ErrNoGateway))
	assert.Equal(t, ClassUnreachable, ClassOf(fmt.Errorf("discover: %w", ErrNoGateway)))
}

func TestClassSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("list mappings: %w", unreachable("list", assert.AnError))
	assert.True(t, IsUnreachable(err))
	assert.False(t, IsPermanent(err))

	err = fmt.Errorf("add: %w", permanent("add", assert.AnError))
	assert.True(t, IsPermanent(err))
	assert.False(t, IsUnreachable(err))
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := transient("add", inner)
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "gateway add")
	assert.Contains(t, err.Error(), "transient")
}

func TestClassString(t *testing.T) {
	assert.Equal(t, "transient", ClassTransient.String())
	assert.Equal(t, "permanent", ClassPermanent.String())
	assert.Equal(t, "unreachable", ClassUnreachable.String())
}
