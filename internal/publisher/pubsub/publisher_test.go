package pubsub

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/artifact-harvester/internal/publisher"
)

func newTestClient(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	client, err := pubsub.NewClient(context.Background(), "harvest-test", option.WithGRPCConn(conn))
	require.NoError(t, err)
	return client, srv
}

func TestPublishDeliversToTopic(t *testing.T) {
	t.Parallel()

	client, srv := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := client.CreateTopic(ctx, "stored")
	require.NoError(t, err)

	pub := NewWithClient(client, "stored")
	id, err := pub.Publish(ctx, publisher.Message{
		Data:       []byte(`{"item_id":"a"}`),
		Attributes: map[string]string{"event_type": "item.done"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, `{"item_id":"a"}`, string(msgs[0].Data))
	require.Equal(t, "item.done", msgs[0].Attributes["event_type"])
	require.NoError(t, pub.Close())
}

func TestPublishRequiresTopic(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t)
	pub := NewWithClient(client, "")
	_, err := pub.Publish(context.Background(), publisher.Message{Data: []byte("x")})
	require.ErrorContains(t, err, "topic is required")

	var unset *Publisher
	_, err = unset.Publish(context.Background(), publisher.Message{})
	require.Error(t, err)
}

func TestNewRequiresProject(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{})
	require.Error(t, err)
}
