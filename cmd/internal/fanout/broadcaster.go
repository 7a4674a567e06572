package fanout

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"murmur/cmd/internal/logstore"
	"murmur/cmd/internal/metrics"
	"murmur/cmd/internal/peerbus"
)

// Broadcaster fans accepted messages out locally and to peer workers.
//
// Broadcast is fire-and-forget: peer bus failures are logged, never returned,
// because the message is already durable and replay covers lost deliveries.
type Broadcaster struct {
	log     *slog.Logger
	nodeID  string
	reg     *Registry
	bus     peerbus.Bus
	metrics *metrics.Metrics
}

// NewBroadcaster wires a broadcaster. bus may be nil for a lone worker.
func NewBroadcaster(log *slog.Logger, nodeID string, reg *Registry, bus peerbus.Bus, m *metrics.Metrics) (*Broadcaster, error) {
	if log == nil {
		log = slog.Default()
	}
	if reg == nil {
		return nil, errors.New("fanout: nil registry")
	}
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return nil, errors.New("fanout: empty node id")
	}
	return &Broadcaster{log: log, nodeID: nodeID, reg: reg, bus: bus, metrics: m}, nil
}

// NodeID returns the origin id stamped on published peer events.
func (b *Broadcaster) NodeID() string { return b.nodeID }

// Registry returns the local sink registry.
func (b *Broadcaster) Registry() *Registry { return b.reg }

// Broadcast delivers m to every local sink, then hands it to the peer bus.
func (b *Broadcaster) Broadcast(ctx context.Context, m logstore.Message) {
	delivered, dropped := b.reg.DeliverAll(m)
	b.metrics.ObserveLocalDelivery(delivered, dropped)
	if dropped > 0 {
		b.log.Info("fanout.local.dropped", "id", m.ID, "dropped", dropped)
	}

	if b.bus == nil {
		return
	}
	err := b.bus.Publish(ctx, peerbus.Event{Origin: b.nodeID, ID: m.ID, Content: m.Content})
	b.metrics.ObservePeerPublish(err)
	if err != nil {
		b.log.Warn("fanout.peer.publish.fail", "id", m.ID, "err", err)
	}
}

// Run delivers events from peer workers to local sinks until ctx is done.
// Events that carry this worker's own origin are ignored.
func (b *Broadcaster) Run(ctx context.Context) error {
	if b.bus == nil {
		<-ctx.Done()
		return nil
	}

	events, err := b.bus.Subscribe(ctx)
	if err != nil {
		return err
	}

	b.log.Info("fanout.peer.subscribed", "node_id", b.nodeID, "topic", peerbus.Topic)

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return peerbus.ErrClosed
			}
			if e.Origin == b.nodeID {
				continue
			}
			b.metrics.ObservePeerReceived()
			delivered, dropped := b.reg.DeliverAll(logstore.Message{ID: e.ID, Content: e.Content})
			b.metrics.ObserveLocalDelivery(delivered, dropped)
		}
	}
}
