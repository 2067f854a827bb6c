package service

import (
	"chatty/logger"
	"chatty/module/chat/model"
	"chatty/service/chat"
	"chatty/service/natsx"
	"chatty/tools/errs"
	"context"
	"encoding/json"

	"go.uber.org/zap"
)

// BizDeliver 投递总线的路由名
const BizDeliver = "deliver"

// Deliverer hands a persisted message to the realtime path. Best effort: an error means the hand-off
// failed, never that the recipient was offline.
type Deliverer interface {
	Deliver(ctx context.Context, m *model.Message) error
}

// LiveDeliverer is the part of *chat.Coordinator the delivery path needs.
type LiveDeliverer interface {
	Deliver(ctx context.Context, msg chat.Routable) bool
}

// LocalDeliverer calls the in-process coordinator directly.
type LocalDeliverer struct {
	coord LiveDeliverer
}

func NewLocalDeliverer(coord LiveDeliverer) *LocalDeliverer {
	return &LocalDeliverer{coord: coord}
}

func (d *LocalDeliverer) Deliver(ctx context.Context, m *model.Message) error {
	if !d.coord.Deliver(ctx, m) {
		logger.Debug("[Chat] receiver not live", zap.String("msgId", m.ID), zap.String("to", m.ReceiverID))
	}
	return nil
}

// Publisher is satisfied by *natsx.NatsxProducer.
type Publisher interface {
	Publish(ctx context.Context, biz string, data []byte, hdr map[string]string) error
}

// BusDeliverer publishes to the delivery subject; every gateway node delivers to the conns it holds.
type BusDeliverer struct {
	pub Publisher
}

func NewBusDeliverer(pub Publisher) *BusDeliverer {
	return &BusDeliverer{pub: pub}
}

func (d *BusDeliverer) Deliver(ctx context.Context, m *model.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return errs.WrapMsg(err, "marshal message", "id", m.ID)
	}
	return d.pub.Publish(ctx, BizDeliver, data, map[string]string{natsx.HeaderMsgID: m.ID})
}

// DeliveryHandler consumes the delivery subject on a gateway node.
func DeliveryHandler(coord LiveDeliverer) natsx.NatsxHandler {
	return func(ctx context.Context, msg natsx.NatsxMessage) error {
		var m model.Message
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			return errs.ErrArgs.WrapMsg("bad delivery payload", "subject", msg.Subject)
		}
		if m.ReceiverID == "" {
			return errs.ErrArgs.WrapMsg("delivery without receiver", "id", m.ID)
		}
		coord.Deliver(ctx, &m)
		return nil
	}
}
