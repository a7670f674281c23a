package amqp

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange is the durable topic exchange grant events are published to.
const Exchange = "chartcredits.events"

const dialTimeout = 10 * time.Second

func sanitizeURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	parsed, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "amqp" && parsed.Scheme != "amqps" {
		return "", fmt.Errorf("invalid AMQP scheme: %q", parsed.Scheme)
	}
	return clean, nil
}

// Dial opens a connection with a bounded dial timeout so startup does not hang.
func Dial(rawURL string) (*amqp.Connection, error) {
	clean, err := sanitizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	return amqp.DialConfig(clean, amqp.Config{Dial: amqp.DefaultDial(dialTimeout)})
}

func declareExchange(ch *amqp.Channel) error {
	return ch.ExchangeDeclare(
		Exchange, // name
		"topic",  // type
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,      // args
	)
}
