package ws

import "time"

// Message is an inbound text message from a subscriber
type Message struct {
	ClientID   string
	Text       string
	ReceivedAt time.Time
}

// MessageFunc handles inbound client messages. It runs on the client's read
// goroutine and should return quickly.
type MessageFunc func(msg Message)
