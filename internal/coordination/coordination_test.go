package coordination_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/EpsylonBita/smallpos/internal/coordination"
)

func TestLocker_DegradesToLocalWhenNoRedisConfigured(t *testing.T) {
	ctx := context.Background()
	log := zerolog.New(io.Discard)

	l, err := coordination.New("", log)
	require.NoError(t, err)
	require.NoError(t, l.Ping(ctx))

	ok, unlock, err := l.Acquire(ctx, "zreport:branch-1", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	unlock(ctx)

	ok2, unlock2, err := l.Acquire(ctx, "zreport:branch-1", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok2)
	unlock2(ctx)
}

func TestNew_RejectsInvalidRedisURL(t *testing.T) {
	log := zerolog.New(io.Discard)
	_, err := coordination.New("not-a-valid-url://", log)
	require.Error(t, err)
}
