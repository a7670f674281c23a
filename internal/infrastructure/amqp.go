package infrastructure

import (
	amqp091 "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	transportAMQP "chartcredits/internal/transport/amqp"
)

func connectAmqp(url string, log *zap.Logger) (*amqp091.Connection, error) {
	conn, err := transportAMQP.Dial(url)
	if err != nil {
		return nil, err
	}

	closed := conn.NotifyClose(make(chan *amqp091.Error, 1))
	go func() {
		if err, ok := <-closed; ok && err != nil {
			log.Error("amqp connection closed", zap.Error(err))
		}
	}()
	return conn, nil
}
