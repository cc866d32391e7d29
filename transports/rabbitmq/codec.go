package rabbitmq

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/procflow/contracts"
)

const (
	// ContentTypeJSON marks JSON encoded bodies
	ContentTypeJSON = "application/json"
	// ContentTypeText marks plain text bodies
	ContentTypeText = "text/plain"
	// ContentTypeBinary marks opaque bodies
	ContentTypeBinary = "application/octet-stream"
)

// Message attributes set on consumed events
const (
	AttributeExchange    = "amqp.exchange"
	AttributeRoutingKey  = "amqp.routingKey"
	AttributeRedelivered = "amqp.redelivered"
	AttributeMessageID   = "amqp.messageId"
)

// encodeBody turns a payload into a message body and its content type
func encodeBody(payload interface{}, mediaType string) ([]byte, string, error) {
	switch p := payload.(type) {
	case nil:
		return nil, firstNonEmpty(mediaType, ContentTypeBinary), nil
	case []byte:
		return p, firstNonEmpty(mediaType, ContentTypeBinary), nil
	case string:
		return []byte(p), firstNonEmpty(mediaType, ContentTypeText), nil
	case json.RawMessage:
		return p, firstNonEmpty(mediaType, ContentTypeJSON), nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("encode payload %T: %w", payload, err)
	}
	return body, firstNonEmpty(mediaType, ContentTypeJSON), nil
}

// decodeBody turns a delivery body into a payload. JSON bodies are
// unmarshalled, text is kept as a string, anything else stays bytes.
func decodeBody(body []byte, contentType string) interface{} {
	switch {
	case isJSON(contentType):
		var v interface{}
		if err := json.Unmarshal(body, &v); err == nil {
			return v
		}
		return string(body)
	case strings.HasPrefix(contentType, "text/"), contentType == "":
		return string(body)
	default:
		return body
	}
}

func isJSON(contentType string) bool {
	mediaType, _, _ := strings.Cut(contentType, ";")
	mediaType = strings.TrimSpace(mediaType)
	return mediaType == ContentTypeJSON || strings.HasSuffix(mediaType, "+json")
}

// eventFromDelivery builds the event a listener processes
func eventFromDelivery(d amqp.Delivery) *contracts.Event {
	msg := contracts.NewMessage(decodeBody(d.Body, d.ContentType)).WithMediaType(d.ContentType)
	for k, v := range d.Headers {
		msg = msg.WithAttribute(k, v)
	}
	msg = msg.
		WithAttribute(AttributeExchange, d.Exchange).
		WithAttribute(AttributeRoutingKey, d.RoutingKey).
		WithAttribute(AttributeRedelivered, d.Redelivered)
	if d.MessageId != "" {
		msg = msg.WithAttribute(AttributeMessageID, d.MessageId)
	}

	var options []contracts.EventOption
	if d.CorrelationId != "" {
		options = append(options, contracts.WithCorrelationID(d.CorrelationId))
	}
	return contracts.NewEventFromMessage(msg, options...)
}

// headersFrom copies message attributes that AMQP can carry. Attributes set
// by a listener are not forwarded.
func headersFrom(msg contracts.Message) amqp.Table {
	if len(msg.Attributes) == 0 {
		return nil
	}
	headers := make(amqp.Table, len(msg.Attributes))
	for k, v := range msg.Attributes {
		if strings.HasPrefix(k, "amqp.") {
			continue
		}
		switch v.(type) {
		case string, bool, int, int32, int64, float32, float64, []byte, time.Time:
			headers[k] = v
		}
	}
	if len(headers) == 0 {
		return nil
	}
	return headers
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
