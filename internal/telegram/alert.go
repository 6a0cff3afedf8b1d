package telegram

import (
	"context"
	"time"
)

// AlertSink delivers monitor alerts to one chat.
type AlertSink struct {
	Client  *Client
	ChatID  int64
	Timeout time.Duration
}

func (s *AlertSink) Send(message string) error {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Client.SendMessage(ctx, s.ChatID, message)
}
