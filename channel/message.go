package channel

import "encoding/json"

// Message types on the push connection.
const (
	TypePayment   = "payment"
	TypeHeartbeat = "heartbeat"
)

// Message is the JSON frame pushed by the licensing service.
type Message struct {
	Type string `json:"type"`
	Payment
}

func NewPaymentMessage(p Payment) Message {
	return Message{Type: TypePayment, Payment: p}
}

func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func DecodeMessage(data []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(data, &m)
	return m, err
}
