package health

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckAllAggregates(t *testing.T) {
	r := NewRegistry()
	r.Register("db", func(ctx context.Context) Status {
		return Status{Name: "db", Healthy: true}
	})
	r.Register("chain", func(ctx context.Context) Status {
		return Status{Name: "chain", Healthy: false, Detail: "rpc unreachable"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	require.False(t, healthy)
	require.Len(t, statuses, 2)
	require.True(t, statuses[0].Healthy)
	require.Equal(t, "rpc unreachable", statuses[1].Detail)
}

func TestCheckAllEmptyRegistryIsHealthy(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	require.True(t, healthy)
	require.Empty(t, statuses)
}

func TestCheckerReceivesDeadline(t *testing.T) {
	r := NewRegistry()
	r.Register("slow", func(ctx context.Context) Status {
		_, ok := ctx.Deadline()
		return Status{Name: "slow", Healthy: ok}
	})

	healthy, _ := r.CheckAll(context.Background())
	require.True(t, healthy)
}
