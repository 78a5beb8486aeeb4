// Package events fans session updates out to in-process consumers (HUD,
// recorder, console) over a watermill channel, and optionally to Redis.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/andresmejia3/groove/internal/logger"
	"github.com/andresmejia3/groove/internal/session"
	"github.com/google/uuid"
)

// ScoreTopic carries every session.Update as JSON.
const ScoreTopic = "session.score"

const subscriberBuffer = 256

// Bus is an in-process pub/sub for session updates. Publish blocks until
// every subscriber has accepted the message so updates stay ordered.
type Bus struct {
	pubSub *gochannel.GoChannel
	log    logger.Logger
}

func NewBus(log logger.Logger) *Bus {
	if log == nil {
		log = logger.NewNop()
	}
	pubSub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            subscriberBuffer,
			BlockPublishUntilSubscriberAck: true,
		},
		watermill.NopLogger{},
	)
	return &Bus{pubSub: pubSub, log: log}
}

// Publish implements session.Publisher.
func (b *Bus) Publish(ctx context.Context, u session.Update) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode update: %w", err)
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set("session_id", u.SessionID)
	msg.Metadata.Set("state", u.State)
	return b.pubSub.Publish(ScoreTopic, msg)
}

// Subscribe returns a channel of updates that closes when ctx is done or
// the bus is closed. Only updates published after the call are delivered.
func (b *Bus) Subscribe(ctx context.Context) (<-chan session.Update, error) {
	messages, err := b.pubSub.Subscribe(ctx, ScoreTopic)
	if err != nil {
		return nil, err
	}

	out := make(chan session.Update, subscriberBuffer)
	go func() {
		defer close(out)
		for msg := range messages {
			var u session.Update
			err := json.Unmarshal(msg.Payload, &u)
			// Ack invalid messages too, nothing would make them decodable later
			msg.Ack()
			if err != nil {
				b.log.Warn("Events", "Dropping undecodable update", map[string]interface{}{"message_id": msg.UUID, "error": err.Error()})
				continue
			}
			select {
			case out <- u:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close stops delivery and closes every subscriber channel.
func (b *Bus) Close() error {
	return b.pubSub.Close()
}
