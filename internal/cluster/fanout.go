package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const pageChannelPrefix = "collabroom:page:"

// DeliverFunc receives a frame another instance published for pageID.
type DeliverFunc func(pageID string, frame []byte)

type fanoutMessage struct {
	Origin string          `json:"origin"`
	Frame  json.RawMessage `json:"frame"`
}

// RedisFanout carries page frames between relay instances over redis pub/sub.
type RedisFanout struct {
	client     redis.UniversalClient
	instanceID string
	logger     *zap.Logger
}

// NewRedisFanout builds a fanout that tags its publications with a fresh
// instance id and skips them on receipt.
func NewRedisFanout(client redis.UniversalClient, logger *zap.Logger) (*RedisFanout, error) {
	if client == nil {
		return nil, errMissingClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisFanout{
		client:     client,
		instanceID: uuid.NewString(),
		logger:     logger,
	}, nil
}

// InstanceID identifies this relay instance on the bus.
func (f *RedisFanout) InstanceID() string {
	return f.instanceID
}

// Publish sends frame to the other instances serving pageID.
func (f *RedisFanout) Publish(ctx context.Context, pageID string, frame []byte) error {
	payload, err := encodeFanoutMessage(f.instanceID, frame)
	if err != nil {
		return err
	}
	return f.client.Publish(ctx, pageChannelPrefix+pageID, payload).Err()
}

// Run consumes frames from other instances until ctx is done.
func (f *RedisFanout) Run(ctx context.Context, deliver DeliverFunc) error {
	pubsub := f.client.PSubscribe(ctx, pageChannelPrefix+"*")
	defer func() {
		_ = pubsub.Close()
	}()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("cluster: subscribe: %w", err)
	}
	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-messages:
			if !ok {
				return errors.New("cluster: subscription closed")
			}
			origin, frame, err := decodeFanoutMessage([]byte(message.Payload))
			if err != nil {
				f.logger.Warn("cluster dropped malformed fanout message", zap.String("channel", message.Channel), zap.Error(err))
				continue
			}
			if origin == f.instanceID {
				continue
			}
			deliver(strings.TrimPrefix(message.Channel, pageChannelPrefix), frame)
		}
	}
}

func encodeFanoutMessage(origin string, frame []byte) ([]byte, error) {
	if !json.Valid(frame) {
		return nil, errors.New("cluster: frame is not json")
	}
	return json.Marshal(fanoutMessage{Origin: origin, Frame: frame})
}

func decodeFanoutMessage(payload []byte) (string, []byte, error) {
	var message fanoutMessage
	if err := json.Unmarshal(payload, &message); err != nil {
		return "", nil, err
	}
	if message.Origin == "" || len(message.Frame) == 0 {
		return "", nil, errors.New("cluster: incomplete fanout message")
	}
	return message.Origin, message.Frame, nil
}
