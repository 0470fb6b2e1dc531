package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testNatsURL = "nats://localhost:4222"

func TestSubject(t *testing.T) {
	p := &NatsPublisher{prefix: DefaultSubjectPrefix}

	ev := NewChangeEvent("my.db", "_design/x y", "1-a", false)
	assert.Equal(t, "couchfine.changes.my_db._design/x_y", p.Subject(ev))
	assert.Equal(t, "COUCHFINE_CHANGES", p.StreamName())

	assert.Equal(t, "couchfine.changes.db._", p.Subject(&ChangeEvent{DB: "db"}))
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}
	assert.NoError(t, p.Publish(context.Background(), NewChangeEvent("db", "a", "1-a", false)))
	assert.NoError(t, p.Close())
}

func TestNatsPublisher_Publish(t *testing.T) {
	nc, err := nats.Connect(testNatsURL, nats.Timeout(time.Second))
	if err != nil {
		t.Skip("NATS not available, skipping integration tests")
	}
	defer nc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := NewNatsPublisher(nc, "couchfine.test")
	require.NoError(t, err)
	if err := p.EnsureStream(ctx); err != nil {
		t.Skip("JetStream not enabled, skipping integration tests")
	}

	sub, err := nc.SubscribeSync("couchfine.test.db.>")
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, p.Publish(ctx, NewChangeEvent("db", "doc-1", "2-b", true)))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "couchfine.test.db.doc-1", msg.Subject)

	var ev ChangeEvent
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, "2-b", ev.Rev)
	assert.True(t, ev.Deleted)
}
