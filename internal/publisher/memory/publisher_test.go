package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvester/internal/crawler"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New(0)
	id1, err := pub.Publish(context.Background(), "topic-a", crawler.ProductChangeEvent{BusinessKey: "P1"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "topic-b", "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "topic-a", msgs[0].Topic)
	require.Equal(t, "topic-b", msgs[1].Topic)

	msgs[0].Topic = "modified"
	require.Equal(t, "topic-a", pub.Messages()[0].Topic)

	events := pub.Events()
	require.Len(t, events, 1)
	require.Equal(t, "P1", events[0].BusinessKey)
}

func TestPublisherRetainsOnlyLimit(t *testing.T) {
	t.Parallel()

	pub := New(2)
	for _, key := range []string{"A", "B", "C"} {
		_, err := pub.Publish(context.Background(), "t", crawler.ProductChangeEvent{BusinessKey: key})
		require.NoError(t, err)
	}

	events := pub.Events()
	require.Len(t, events, 2)
	require.Equal(t, "B", events[0].BusinessKey)
	require.Equal(t, "C", events[1].BusinessKey)
	require.Equal(t, 3, pub.Total())
}
