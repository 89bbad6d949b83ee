package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPartitionedRNG_DeterministicDerivation(t *testing.T) {
	a := NewPartitionedRNG(42)
	b := NewPartitionedRNG(42)
	for i := 0; i < 5; i++ {
		assert.Equal(t, a.ForSubsystem(SubsystemTree(0)).Int63(), b.ForSubsystem(SubsystemTree(0)).Int63())
	}
}

func TestPartitionedRNG_SubsystemIsolation(t *testing.T) {
	// Drawing from tree_0 must not shift tree_1's sequence.
	a := NewPartitionedRNG(7)
	b := NewPartitionedRNG(7)
	for i := 0; i < 100; i++ {
		a.ForSubsystem(SubsystemTree(0)).Int63()
	}
	assert.Equal(t, b.ForSubsystem(SubsystemTree(1)).Int63(), a.ForSubsystem(SubsystemTree(1)).Int63())
}

func TestPartitionedRNG_CachesInstances(t *testing.T) {
	p := NewPartitionedRNG(1)
	assert.Same(t, p.ForSubsystem("x"), p.ForSubsystem("x"))
	assert.Equal(t, int64(1), p.Seed())
}
