// ABOUTME: Tests for the agent registry.
// ABOUTME: Covers the reserved END name, duplicate names, and key lookup.

package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRejectsReservedName(t *testing.T) {
	r := NewRegistry()
	err := r.Register(NewSpecialist(EndTarget, "pk"))
	assert.Error(t, err)
}

func TestRegistryRejectsDuplicateName(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewSpecialist("coder", "pk1")))
	assert.Error(t, r.Register(NewSpecialist("coder", "pk2")))
}

func TestRegistryLookupByPublicKey(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewSpecialist("coder", "pk1", "code")))

	agent, ok := r.ByPublicKey("pk1")
	require.True(t, ok)
	assert.Equal(t, "coder", agent.Name)
	assert.True(t, agent.HasCapability("code"))

	_, ok = r.ByPublicKey("pk2")
	assert.False(t, ok)
}

func TestRegistrySpecialistsExcludesOrchestrator(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewOrchestrator("conductor", "pk0")))
	require.NoError(t, r.Register(NewSpecialist("tester", "pk2")))
	require.NoError(t, r.Register(NewSpecialist("coder", "pk1")))

	specialists := r.Specialists()
	require.Len(t, specialists, 2)
	// Sorted by name
	assert.Equal(t, "coder", specialists[0].Name)
	assert.Equal(t, "tester", specialists[1].Name)

	assert.Equal(t, []string{"coder", "conductor", "tester"}, r.Names())
}
