package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stock_tracker_backend/models"
)

type memoryWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *memoryWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *memoryWriter) Close() error { return nil }

func TestKafkaSink_WritesKeyedRecord(t *testing.T) {
	w := &memoryWriter{}
	sink := &KafkaSink{writer: w}

	payload := models.PricePayload{AssetType: models.AssetTypeCrypto, AssetID: "BTCUSDT"}
	require.NoError(t, sink.Send(context.Background(), []string{"alice"}, payload, models.ActionSubscribe))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "CRYPTO:BTCUSDT", string(w.msgs[0].Key))

	var rec BroadcastRecord
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &rec))
	assert.Equal(t, []string{"alice"}, rec.UserIDs)
	assert.Equal(t, models.ActionSubscribe, rec.Payload.Action)
}

func TestNewKafkaSink_RequiresTopic(t *testing.T) {
	_, err := NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}}, nil)
	assert.Error(t, err)
}

type sinkFunc func() error

func (f sinkFunc) Send(context.Context, []string, models.PricePayload, models.WebsocketAction) error {
	return f()
}

func TestMultiSink_SendsToAllAndJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	ok := sinkFunc(func() error { calls++; return nil })
	bad := sinkFunc(func() error { calls++; return boom })

	err := MultiSink{bad, ok}.Send(context.Background(), nil, models.PricePayload{}, models.ActionSubscribe)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)

	assert.NoError(t, MultiSink{ok}.Send(context.Background(), nil, models.PricePayload{}, models.ActionSubscribe))
}
