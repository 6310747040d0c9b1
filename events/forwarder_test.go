package events

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/songzhibin97/production-workflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForwarder_PublishesExternalEffects(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pubSub := NewChannel(logger)
	defer pubSub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	messages, err := pubSub.Subscribe(ctx, Topic)
	require.NoError(t, err)

	fwd := NewForwarder(pubSub, logger)

	plain := testEvent()
	plain.Effects = []types.Effect{{Kind: types.EffectNotify}}
	require.NoError(t, fwd.Handle(ctx, plain))

	external := testEvent()
	external.ID = "evt-external"
	external.Effects = []types.Effect{{Kind: types.EffectExternal, Target: "youtube.prepare_upload"}}
	require.NoError(t, fwd.Handle(ctx, external))

	select {
	case msg := <-messages:
		msg.Ack()
		assert.Equal(t, "evt-external", msg.UUID)
		assert.Equal(t, TransitionApplied, msg.Metadata.Get(MetadataEventType))
		assert.Equal(t, "episode/e1", msg.Metadata.Get(MetadataEntityRef))

		decoded, err := Decode(msg)
		require.NoError(t, err)
		assert.Equal(t, external.Effects, decoded.Effects)
	case <-ctx.Done():
		t.Fatal("no message forwarded")
	}

	select {
	case msg := <-messages:
		t.Fatalf("unexpected extra message %s", msg.UUID)
	case <-time.After(100 * time.Millisecond):
	}
}

type recordingPublisher struct {
	messages []*message.Message
}

func (p *recordingPublisher) Publish(_ string, messages ...*message.Message) error {
	p.messages = append(p.messages, messages...)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func TestForwarder_MessageOutlivesHandleContext(t *testing.T) {
	pub := &recordingPublisher{}
	fwd := NewForwarder(pub, slog.New(slog.NewTextHandler(io.Discard, nil)))

	event := testEvent()
	event.Effects = []types.Effect{{Kind: types.EffectExternal, Target: "website.publish"}}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	require.NoError(t, fwd.Handle(ctx, event))
	cancel()

	require.Len(t, pub.messages, 1)
	msgCtx := pub.messages[0].Context()
	assert.NoError(t, msgCtx.Err())
	_, hasDeadline := msgCtx.Deadline()
	assert.False(t, hasDeadline)
}
