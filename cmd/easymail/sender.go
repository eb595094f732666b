package main

import (
	"fmt"

	"github.com/djlord-it/easy-mail/internal/config"
	"github.com/djlord-it/easy-mail/internal/dispatcher"
)

// newSender builds the executor selected by EXECUTOR. The returned close
// func releases any connection the sender holds.
func newSender(cfg config.Config) (dispatcher.Sender, func(), error) {
	switch cfg.Executor {
	case "log":
		return dispatcher.LogSender{}, func() {}, nil
	case "webhook":
		return dispatcher.NewHTTPWebhookSender(cfg.MailRelayURL, cfg.MailRelaySecret, cfg.MailRelayTimeout), func() {}, nil
	case "amqp":
		s := dispatcher.NewAMQPSender(cfg.AMQPURL, cfg.AMQPQueue)
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown executor %q", cfg.Executor)
	}
}
