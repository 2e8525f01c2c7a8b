package projector

import (
	"context"
	"encoding/json"
	"fmt"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	kafkax "github.com/ariefcatur/go-atomic-orders/internal/kafka"
	"github.com/ariefcatur/go-atomic-orders/internal/orders"
	"github.com/ariefcatur/go-atomic-orders/internal/redisx"
)

const dedupScope = "projector"

// Service keeps the product read cache honest: every committed order moves
// stock, so the cached copies of the products it touched are dropped.
type Service struct {
	Cache redisx.Cache
	Log   *zap.Logger
}

// HandleOrderPlaced is installed as the consumer handler for order.placed.
func (s *Service) HandleOrderPlaced(ctx context.Context, m kafkago.Message) error {
	// 1) decode envelope
	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		// poison message; committing it is the only way forward
		s.log().Warn("drop undecodable message", zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}
	if env.EventType != orders.EventOrderPlaced {
		return nil
	}

	// 2) dedup on event_id
	dkey := fmt.Sprintf(redisx.KeyDedup, dedupScope, env.EventID)
	fresh, err := s.Cache.SetNX(ctx, dkey, "1", redisx.TTLDedup)
	if err != nil {
		return err
	}
	if !fresh {
		return nil
	}

	// 3) payload
	p, err := kafkax.UnwrapPayload[orders.OrderPlacedPayload](env.Payload)
	if err != nil {
		s.log().Warn("drop event with bad payload", zap.String("event_id", env.EventID), zap.Error(err))
		return nil
	}

	// 4) invalidate
	ids := p.ProductIDs()
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, fmt.Sprintf(redisx.KeyProduct, id))
	}
	if err := s.Cache.Del(ctx, keys...); err != nil {
		// release the dedup key so the retry runs again
		_ = s.Cache.Del(context.WithoutCancel(ctx), dkey)
		return err
	}
	s.log().Info("product cache invalidated",
		zap.String("order_id", p.OrderID),
		zap.Strings("product_ids", ids),
		zap.String("trace_id", env.TraceID),
	)
	return nil
}

func (s *Service) log() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}
