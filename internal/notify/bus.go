package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"
)

const TopicTaskEvents = "task.events"

// Publisher is what units use to emit task events.
type Publisher interface {
	Publish(ev Event) error
}

// Bus carries task events from units to the Hub over an in-process
// watermill pub/sub. Publishers wait only for the consumer to take the
// message, never for websocket writes; events keep publish order.
type Bus struct {
	log    zerolog.Logger
	pubsub *gochannel.GoChannel
	hub    *Hub

	pending chan Event
	done    chan struct{}
}

func NewBus(hub *Hub, buffer int, logger zerolog.Logger) (*Bus, error) {
	if buffer <= 0 {
		buffer = 256
	}
	ps := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            int64(buffer),
		BlockPublishUntilSubscriberAck: true,
	}, NewWatermillLogger(logger))

	msgs, err := ps.Subscribe(context.Background(), TopicTaskEvents)
	if err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", TopicTaskEvents, err)
	}

	b := &Bus{
		log:     logger.With().Str("component", "bus").Logger(),
		pubsub:  ps,
		hub:     hub,
		pending: make(chan Event, buffer),
		done:    make(chan struct{}),
	}
	go b.consume(msgs)
	go b.deliver()
	return b, nil
}

func (b *Bus) Publish(ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("task_id", ev.TaskID)
	if err := b.pubsub.Publish(TopicTaskEvents, msg); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (b *Bus) consume(msgs <-chan *message.Message) {
	defer close(b.pending)
	for msg := range msgs {
		var ev Event
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			b.log.Error().Err(err).Str("message_id", msg.UUID).Msg("dropping undecodable event")
			msg.Ack()
			continue
		}
		b.pending <- ev
		msg.Ack()
	}
}

func (b *Bus) deliver() {
	defer close(b.done)
	for ev := range b.pending {
		b.hub.Broadcast(ev)
	}
}

// Close stops accepting events and waits until queued ones are delivered.
func (b *Bus) Close() error {
	err := b.pubsub.Close()
	<-b.done
	return err
}
