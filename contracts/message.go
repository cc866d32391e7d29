package contracts

// Message is the payload carried by an Event
type Message struct {
	Payload    interface{}            `json:"payload"`
	MediaType  string                 `json:"mediaType,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// NewMessage creates a message holding the given payload
func NewMessage(payload interface{}) Message {
	return Message{Payload: payload}
}

// WithMediaType returns a copy of the message with the media type set
func (m Message) WithMediaType(mediaType string) Message {
	m.MediaType = mediaType
	return m
}

// WithAttribute returns a copy of the message with the attribute set
func (m Message) WithAttribute(key string, value interface{}) Message {
	attrs := make(map[string]interface{}, len(m.Attributes)+1)
	for k, v := range m.Attributes {
		attrs[k] = v
	}
	attrs[key] = value
	m.Attributes = attrs
	return m
}

// Attribute returns a transport attribute
func (m Message) Attribute(key string) (interface{}, bool) {
	v, ok := m.Attributes[key]
	return v, ok
}
