package relay

// Message is one chunk read from a peer. Payload is owned by the message and
// must not be modified once it has been broadcast.
type Message struct {
	From    string
	Payload []byte
}

// NewMessage copies data so the reader may reuse its buffer.
func NewMessage(from string, data []byte) Message {
	payload := make([]byte, len(data))
	copy(payload, data)
	return Message{From: from, Payload: payload}
}

func (m Message) Len() int {
	return len(m.Payload)
}
