package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "crawl-complete", map[string]string{"source": "artist_info"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "crawl-failed", "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "crawl-complete", msgs[0].Topic)
	require.Equal(t, "crawl-failed", msgs[1].Topic)

	msgs[0].Topic = "modified"
	require.Equal(t, "crawl-complete", pub.Messages()[0].Topic, "Messages() must return a copy")
}

func TestPublisherFailure(t *testing.T) {
	t.Parallel()

	pub := New()
	pub.FailWith(errPublish)
	_, err := pub.Publish(context.Background(), "topic", nil)
	require.ErrorIs(t, err, errPublish)
	require.Empty(t, pub.Messages())
}
