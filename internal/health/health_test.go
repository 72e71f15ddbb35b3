package health

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestRegistryAggregates(t *testing.T) {
	r := NewRegistry()
	r.Register("storage", func(_ context.Context) Status {
		return Status{Name: "storage", Healthy: true}
	})
	r.Register("upstream", func(_ context.Context) Status {
		return Status{Name: "upstream", Healthy: true, Detail: "stub"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	require.Len(t, statuses, 2)
	assert.Equal(t, "storage", statuses[0].Name)
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("storage", func(_ context.Context) Status {
		return Status{Name: "storage", Healthy: true}
	})
	r.Register("queue", func(_ context.Context) Status {
		return Status{Name: "queue", Healthy: false, Detail: "full"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 2)
	assert.False(t, statuses[1].Healthy)
	assert.Equal(t, "full", statuses[1].Detail)
}

func TestCheckerGetsDeadline(t *testing.T) {
	r := NewRegistry()
	r.Register("probe", func(ctx context.Context) Status {
		_, ok := ctx.Deadline()
		return Status{Name: "probe", Healthy: ok}
	})

	healthy, _ := r.CheckAll(context.Background())
	assert.True(t, healthy)
}
