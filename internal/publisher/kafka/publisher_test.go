package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/JakeFAU/picfetch/internal/imagefetch"
)

type fakeProducer struct {
	records []*kgo.Record
	err     error
	closed  bool
}

func (f *fakeProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	out := make(kgo.ProduceResults, 0, len(rs))
	for _, r := range rs {
		r.Partition = 3
		r.Offset = int64(len(f.records))
		f.records = append(f.records, r)
		out = append(out, kgo.ProduceResult{Record: r, Err: f.err})
	}
	return out
}

func (f *fakeProducer) Close() { f.closed = true }

func TestPublishProducesKeyedRecord(t *testing.T) {
	t.Parallel()

	fake := &fakeProducer{}
	pub := &Publisher{client: fake}

	id, err := pub.Publish(context.Background(), "image.fetched", imagefetch.FetchedEvent{ID: "1", Hash: "deadbeef"})
	require.NoError(t, err)
	assert.Equal(t, "3/0", id)

	require.Len(t, fake.records, 1)
	assert.Equal(t, "image.fetched", fake.records[0].Topic)
	assert.Equal(t, "deadbeef", string(fake.records[0].Key))

	var event imagefetch.FetchedEvent
	require.NoError(t, json.Unmarshal(fake.records[0].Value, &event))
	assert.Equal(t, "1", event.ID)

	pub.Close()
	assert.True(t, fake.closed)
}

func TestPublishErrors(t *testing.T) {
	t.Parallel()

	fake := &fakeProducer{err: errors.New("broker unavailable")}
	pub := &Publisher{client: fake}

	_, err := pub.Publish(context.Background(), "t", map[string]string{"a": "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker unavailable")

	_, err = pub.Publish(context.Background(), "", "x")
	require.Error(t, err)

	_, err = New(Config{})
	require.Error(t, err)
}
