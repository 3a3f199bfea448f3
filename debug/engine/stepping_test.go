package engine

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhd2015/ddbg/debug/common"
)

func TestArmSupersedesPreviousStep(t *testing.T) {
	ctx := context.Background()
	target := newFakeTarget()
	s := NewStepper(target, common.DefaultStepExclude, zerolog.Nop())

	require.NoError(t, s.Arm(ctx, common.StepOver, 1))
	first, ok := s.Pending(1)
	require.True(t, ok)

	require.NoError(t, s.Arm(ctx, common.StepInto, 1))
	second, ok := s.Pending(1)
	require.True(t, ok)
	assert.NotEqual(t, first.ID, second.ID)

	_, firstActive := target.active[first.ID]
	assert.False(t, firstActive, "superseded step must be withdrawn")
	_, secondActive := target.active[second.ID]
	assert.True(t, secondActive)

	// other threads keep their own request
	require.NoError(t, s.Arm(ctx, common.StepOver, 2))
	_, ok = s.Pending(1)
	assert.True(t, ok)
}

func TestConsumeDisablesFiredStep(t *testing.T) {
	ctx := context.Background()
	target := newFakeTarget()
	s := NewStepper(target, nil, zerolog.Nop())

	require.NoError(t, s.Arm(ctx, common.StepInto, 7))
	req, _ := s.Pending(7)
	require.NoError(t, s.Consume(ctx, req))

	_, ok := s.Pending(7)
	assert.False(t, ok)
	assert.Empty(t, target.active)

	// a stale request is ignored
	require.NoError(t, s.Consume(ctx, req))
}
