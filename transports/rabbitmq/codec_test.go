package rabbitmq

import (
	"encoding/json"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/procflow/contracts"
)

func TestEncodeBody(t *testing.T) {
	tests := []struct {
		name        string
		payload     interface{}
		mediaType   string
		body        string
		contentType string
	}{
		{"string", "hello", "", "hello", ContentTypeText},
		{"bytes", []byte{1, 2}, "", "\x01\x02", ContentTypeBinary},
		{"raw json", json.RawMessage(`{"a":1}`), "", `{"a":1}`, ContentTypeJSON},
		{"struct", map[string]int{"a": 1}, "", `{"a":1}`, ContentTypeJSON},
		{"media type wins", "<x/>", "application/xml", "<x/>", "application/xml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, contentType, err := encodeBody(tt.payload, tt.mediaType)
			require.NoError(t, err)
			assert.Equal(t, tt.body, string(body))
			assert.Equal(t, tt.contentType, contentType)
		})
	}

	t.Run("unencodable payload", func(t *testing.T) {
		_, _, err := encodeBody(func() {}, "")
		assert.Error(t, err)
	})
}

func TestEventFromDelivery(t *testing.T) {
	t.Run("json body is decoded", func(t *testing.T) {
		event := eventFromDelivery(amqp.Delivery{
			Body:          []byte(`{"order":"o-1","qty":2}`),
			ContentType:   "application/json; charset=utf-8",
			CorrelationId: "corr-7",
			MessageId:     "m-1",
			RoutingKey:    "orders",
			Headers:       amqp.Table{"tenant": "acme"},
		})

		assert.Equal(t, "corr-7", event.CorrelationID())
		assert.Equal(t, map[string]interface{}{"order": "o-1", "qty": float64(2)}, event.Payload())
		msg := event.Message()
		assert.Equal(t, "acme", msg.Attributes["tenant"])
		assert.Equal(t, "orders", msg.Attributes[AttributeRoutingKey])
		assert.Equal(t, "m-1", msg.Attributes[AttributeMessageID])
	})

	t.Run("text stays a string", func(t *testing.T) {
		event := eventFromDelivery(amqp.Delivery{Body: []byte("ping")})
		assert.Equal(t, "ping", event.Payload())
		assert.NotEmpty(t, event.CorrelationID())
	})

	t.Run("binary stays bytes", func(t *testing.T) {
		event := eventFromDelivery(amqp.Delivery{Body: []byte{0xff}, ContentType: ContentTypeBinary})
		assert.Equal(t, []byte{0xff}, event.Payload())
	})
}

func TestHeadersFrom(t *testing.T) {
	msg := contracts.NewMessage("x").
		WithAttribute("tenant", "acme").
		WithAttribute("retries", 2).
		WithAttribute(AttributeRoutingKey, "orders").
		WithAttribute("nested", struct{}{})

	assert.Equal(t, amqp.Table{"tenant": "acme", "retries": 2}, headersFrom(msg))
	assert.Nil(t, headersFrom(contracts.NewMessage("x")))
}
