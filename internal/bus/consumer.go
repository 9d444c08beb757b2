// Package bus consumes domain events from Kafka and hands them to the dispatch registry. The gateway is a pure
// fan-out: it never produces to the bus.
package bus

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/discend-chat/discend-gateway/internal/event"
)

// Topics carries every domain topic the gateway fans out. Adding a topic here is the only change needed when another
// service starts publishing a new event family.
var Topics = []string{
	"guilds",
	"channels",
	"direct_messages",
	"messages",
	"reactions",
	"roles",
	"users",
	"security",
	"presences",
	"members",
	"relationships",
}

// Dispatcher routes a decoded event to the sessions it addresses.
type Dispatcher interface {
	Dispatch(ev *event.Event)
}

// Consumer reads the domain topics as one consumer group member and dispatches each message.
type Consumer struct {
	reader     *kafka.Reader
	dispatcher Dispatcher
	log        zerolog.Logger
}

// NewConsumer builds a consumer over the given brokers. All gateway nodes share the groupID so each event is
// delivered to exactly one node per group; a node dispatches only to its own sessions.
func NewConsumer(brokers []string, groupID string, dispatcher Dispatcher, log zerolog.Logger) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     brokers,
			GroupID:     groupID,
			GroupTopics: Topics,
		}),
		dispatcher: dispatcher,
		log:        log.With().Str("component", "bus").Logger(),
	}
}

// Run consumes until ctx is cancelled or the reader is closed. It returns nil on clean shutdown.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read message: %w", err)
		}
		c.handle(msg.Topic, msg.Value)
	}
}

// handle decodes and dispatches one message. Undecodable messages are logged and skipped; one bad producer must not
// wedge the whole feed.
func (c *Consumer) handle(topic string, body []byte) {
	ev, err := event.Decode(body)
	if err != nil {
		c.log.Warn().Err(err).Str("topic", topic).Msg("skipping undecodable event")
		return
	}
	c.log.Debug().Str("topic", topic).Str("event", ev.Name).Msg("dispatching event")
	c.dispatcher.Dispatch(ev)
}

// Close shuts down the reader and leaves the consumer group.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
