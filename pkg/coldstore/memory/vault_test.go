package memory

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/annopipe/pkg/coldstore"
	"github.com/3leaps/annopipe/pkg/events"
	"github.com/3leaps/annopipe/pkg/queue"
	"github.com/3leaps/annopipe/pkg/queue/memq"
)

func TestVault_RoundTrip(t *testing.T) {
	ctx := context.Background()
	v := New()

	ref, err := v.Store(ctx, strings.NewReader("annotated"), 9, coldstore.Metadata{JobID: "job-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, v.Len())

	id, err := v.RequestRetrieval(ctx, ref, coldstore.TierExpedited)
	require.NoError(t, err)

	r, err := v.FetchRetrieval(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "job-1", r.Meta.JobID)
	data, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	assert.Equal(t, "annotated", string(data))
}

func TestVault_StoreRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	v := New()

	_, err := v.Store(ctx, strings.NewReader("abc"), 5, coldstore.Metadata{JobID: "job-1"})
	assert.Error(t, err)

	_, err = v.Store(ctx, strings.NewReader("abc"), -1, coldstore.Metadata{JobID: "job-1"})
	assert.NoError(t, err)
}

func TestVault_Capacity(t *testing.T) {
	ctx := context.Background()
	v := New()
	ref, err := v.Store(ctx, strings.NewReader("x"), 1, coldstore.Metadata{JobID: "job-1"})
	require.NoError(t, err)

	v.SetCapacity(coldstore.TierExpedited, false)
	_, err = v.RequestRetrieval(ctx, ref, coldstore.TierExpedited)
	assert.ErrorIs(t, err, coldstore.ErrCapacity)
	assert.Empty(t, v.Requests())

	_, err = v.RequestRetrieval(ctx, ref, coldstore.TierStandard)
	require.NoError(t, err)

	v.SetCapacity(coldstore.TierExpedited, true)
	_, err = v.RequestRetrieval(ctx, ref, coldstore.TierExpedited)
	require.NoError(t, err)

	reqs := v.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, coldstore.TierStandard, reqs[0].Tier)
	assert.Equal(t, coldstore.TierExpedited, reqs[1].Tier)
}

func TestVault_UnknownIDs(t *testing.T) {
	ctx := context.Background()
	v := New()
	_, err := v.RequestRetrieval(ctx, "archive-missing", coldstore.TierStandard)
	assert.ErrorIs(t, err, coldstore.ErrNotFound)
	_, err = v.FetchRetrieval(ctx, "retrieval-missing")
	assert.ErrorIs(t, err, coldstore.ErrNotFound)
}

func TestVault_DeferredCompletionPublishes(t *testing.T) {
	ctx := context.Background()
	broker := memq.NewBroker(queue.DefaultSubscriptions(events.TopicRestoreResults))
	v := New(WithNotifier(broker, events.TopicRestoreResults), WithDeferredCompletion())

	ref, err := v.Store(ctx, strings.NewReader("x"), 1, coldstore.Metadata{JobID: "job-1"})
	require.NoError(t, err)
	id, err := v.RequestRetrieval(ctx, ref, coldstore.TierStandard)
	require.NoError(t, err)

	_, err = v.FetchRetrieval(ctx, id)
	assert.ErrorIs(t, err, coldstore.ErrRetrievalPending)
	assert.Equal(t, 0, broker.Depth(events.TopicRestoreResults))

	require.NoError(t, v.Complete(ctx, id))
	assert.Equal(t, 1, broker.Depth(events.TopicRestoreResults))

	c, err := broker.Consumer(events.TopicRestoreResults)
	require.NoError(t, err)
	msgs, err := c.Receive(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	evt, err := events.DecodeRetrievalComplete(msgs[0].Body)
	require.NoError(t, err)
	assert.Equal(t, id, evt.RetrievalID)
	assert.Equal(t, ref, evt.ArchiveRef)
	assert.True(t, evt.Succeeded())
}
