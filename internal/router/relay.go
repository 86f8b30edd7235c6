package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"procodus.dev/iot-hub/internal/model"
	"procodus.dev/iot-hub/pkg/mq"
)

// DefaultRelayTimeout bounds one relay push.
const DefaultRelayTimeout = 2 * time.Second

// ReadingSink receives readings once they are stored.
type ReadingSink interface {
	Accept(ctx context.Context, reading *model.SensorReading) error
}

// RelaySink forwards readings to a RabbitMQ queue for downstream
// consumers.
type RelaySink struct {
	pusher  mq.Pusher
	timeout time.Duration
}

// NewRelaySink creates a sink pushing through p. A zero timeout means
// DefaultRelayTimeout.
func NewRelaySink(p mq.Pusher, timeout time.Duration) (*RelaySink, error) {
	if p == nil {
		return nil, errors.New("pusher cannot be nil")
	}
	if timeout <= 0 {
		timeout = DefaultRelayTimeout
	}
	return &RelaySink{pusher: p, timeout: timeout}, nil
}

// Accept implements ReadingSink.
func (s *RelaySink) Accept(ctx context.Context, reading *model.SensorReading) error {
	body, err := EncodeReading(reading)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.pusher.Push(ctx, body); err != nil {
		return fmt.Errorf("failed to relay reading: %w", err)
	}
	return nil
}

// EncodeReading serializes a reading as a protobuf Struct.
func EncodeReading(reading *model.SensorReading) ([]byte, error) {
	fields := map[string]any{
		"source_id":   reading.SourceID,
		"source_type": string(reading.SourceType),
		"timestamp":   reading.Timestamp.UTC().Format(time.RFC3339Nano),
		"data":        map[string]any(reading.Data.Clone()),
	}
	if reading.GatewayID != nil {
		fields["gateway_id"] = *reading.GatewayID
	}

	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode reading: %w", err)
	}
	return proto.Marshal(msg)
}

// DecodeReading is the inverse of EncodeReading.
func DecodeReading(body []byte) (*model.SensorReading, error) {
	msg := &structpb.Struct{}
	if err := proto.Unmarshal(body, msg); err != nil {
		return nil, fmt.Errorf("failed to decode reading: %w", err)
	}

	fields := model.Document(msg.AsMap())
	reading := &model.SensorReading{}
	reading.SourceID, _ = fields.String("source_id")
	sourceType, _ := fields.String("source_type")
	reading.SourceType = model.SourceType(sourceType)
	if gw, ok := fields.String("gateway_id"); ok {
		reading.GatewayID = &gw
	}

	ts, _ := fields.String("timestamp")
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("failed to decode reading timestamp: %w", err)
	}
	reading.Timestamp = t

	if data, ok := fields["data"].(map[string]any); ok {
		reading.Data = model.Document(data)
	} else {
		reading.Data = model.Document{}
	}

	if reading.SourceID == "" {
		return nil, errors.New("decoded reading has no source id")
	}
	return reading, nil
}

var _ ReadingSink = (*RelaySink)(nil)
