package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	topic string
	body  []byte
	err   error
}

func (r *recordingPublisher) Publish(ctx context.Context, topic string, body []byte) error {
	r.topic, r.body = topic, body
	return r.err
}

func TestPublishJSON(t *testing.T) {
	p := &recordingPublisher{}
	require.NoError(t, PublishJSON(context.Background(), p, "job-results", map[string]string{"job_id": "j"}))
	assert.Equal(t, "job-results", p.topic)
	assert.JSONEq(t, `{"job_id":"j"}`, string(p.body))

	p.err = errors.New("down")
	err := PublishJSON(context.Background(), p, "job-results", 1)
	assert.ErrorIs(t, err, p.err)

	err = PublishJSON(context.Background(), p, "job-results", make(chan int))
	assert.Error(t, err)
}

func TestDefaultSubscriptions(t *testing.T) {
	subs := DefaultSubscriptions("a", "b")
	assert.Equal(t, Subscriptions{"a": {"a"}, "b": {"b"}}, subs)
}
