package kafka

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dexety/dex-trading-system/internal/model"
)

func TestNewProducer_Validation(t *testing.T) {
	_, err := NewProducer(WithTopic("cycles"))
	assert.Error(t, err)

	_, err = NewProducer(WithBrokers("localhost:9092"))
	assert.Error(t, err)

	p, err := NewProducer(WithBrokers("localhost:9092"), WithTopic("cycles"), WithCompression("zstd"), WithRequiredAcks(1))
	require.NoError(t, err)
	defer p.Close()
	assert.Equal(t, "cycles", p.Topic())
	assert.Equal(t, kafka.Zstd, p.writer.Compression)
	assert.Equal(t, kafka.RequireOne, p.writer.RequiredAcks)
}

func TestMessage_KeyedBySymbol(t *testing.T) {
	r := model.CycleReport{
		RunID: "run-1", Cycle: 4, Symbol: "ETH-USD", Side: model.SideBuy,
		Outcome: model.OutcomeTrailingFilled, Profit: decimal.RequireFromString("1.5"),
	}
	at := time.Unix(1700000000, 0)
	m := message(r, at)

	assert.Equal(t, "ETH-USD", string(m.Key))
	assert.Equal(t, at, m.Time)
	require.Len(t, m.Headers, 2)
	assert.Equal(t, "trailing_filled", string(m.Headers[1].Value))

	var got model.CycleReport
	require.NoError(t, json.Unmarshal(m.Value, &got))
	assert.Equal(t, int64(4), got.Cycle)
	assert.True(t, got.Profit.Equal(r.Profit))
}

func TestParseCompression(t *testing.T) {
	assert.Equal(t, kafka.Snappy, parseCompression("snappy"))
	assert.Equal(t, kafka.Lz4, parseCompression("lz4"))
	assert.Equal(t, kafka.Gzip, parseCompression("bogus"))
}
