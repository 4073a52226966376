package redis

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/go-redis/redis/v8"

	"github.com/dexety/dex-trading-system/internal/model"
)

// LatestCycle returns the last published cycle of a symbol, or nil when
// none has been published (or it expired).
func (p *Publisher) LatestCycle(ctx context.Context, symbol string) (*model.CycleReport, error) {
	data, err := p.client.Get(ctx, LatestKey(symbol)).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET %s: %w", LatestKey(symbol), err)
	}
	var r model.CycleReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("redis: decode cycle: %w", err)
	}
	return &r, nil
}

// RecentCycles reads the last n cycles of a symbol from its stream, newest first.
func (p *Publisher) RecentCycles(ctx context.Context, symbol string, n int64) ([]model.CycleReport, error) {
	msgs, err := p.client.XRevRangeN(ctx, StreamKey(symbol), "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("redis XREVRANGE %s: %w", StreamKey(symbol), err)
	}
	return decodeCycles(msgs), nil
}

// Subscribe returns a channel of cycle reports announced for symbol. The
// channel closes when ctx is cancelled.
func (p *Publisher) Subscribe(ctx context.Context, symbol string) <-chan model.CycleReport {
	sub := p.client.Subscribe(ctx, ChannelKey(symbol))
	out := make(chan model.CycleReport, 16)

	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var r model.CycleReport
				if err := json.Unmarshal([]byte(msg.Payload), &r); err != nil {
					p.log.Warn().Err(err).Str("channel", msg.Channel).Msg("bad cycle payload")
					continue
				}
				select {
				case out <- r:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func decodeCycles(msgs []goredis.XMessage) []model.CycleReport {
	out := make([]model.CycleReport, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values["data"].(string)
		if !ok {
			continue
		}
		var r model.CycleReport
		if json.Unmarshal([]byte(raw), &r) == nil {
			out = append(out, r)
		}
	}
	return out
}
