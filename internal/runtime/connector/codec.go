package connector

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	eventpkg "github.com/drblury/flowmesh/internal/runtime/event"
	"github.com/drblury/flowmesh/internal/runtime/jsoncodec"
)

// Metadata keys written by EncodeMessage.
const (
	MetadataEventID     = "flowmesh_event_id"
	MetadataPayloadType = "flowmesh_payload_type"
)

// EncodeMessage converts ev into a Watermill message. Byte and string
// payloads are sent as is, proto messages as protojson and anything else as
// JSON. Properties become metadata.
func EncodeMessage(ev *eventpkg.Event) (*message.Message, error) {
	payload, err := encodePayload(ev.Payload())
	if err != nil {
		return nil, fmt.Errorf("encode payload of event %s: %w", ev.ID(), err)
	}

	msg := message.NewMessage(ev.ID(), payload)
	msg.Metadata = ev.Properties().ToWatermill()
	msg.Metadata.Set(MetadataEventID, ev.ID())
	if ev.Payload() != nil {
		msg.Metadata.Set(MetadataPayloadType, fmt.Sprintf("%T", ev.Payload()))
	}
	middleware.SetCorrelationID(ev.CorrelationID(), msg)
	return msg, nil
}

func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case []byte:
		return p, nil
	case string:
		return []byte(p), nil
	default:
		return jsoncodec.Marshal(p)
	}
}

// DecodeMessage converts an inbound message into an event whose payload is
// the raw message payload. The event keeps the sender's event id and
// correlation id when present.
func DecodeMessage(msg *message.Message) *eventpkg.Event {
	id := msg.Metadata.Get(MetadataEventID)
	if id == "" {
		id = msg.UUID
	}
	return eventpkg.New([]byte(msg.Payload)).
		ID(id).
		CorrelationID(middleware.MessageCorrelationID(msg)).
		Properties(eventpkg.PropertiesFromWatermill(msg.Metadata)).
		Build()
}
