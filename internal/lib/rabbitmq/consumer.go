package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/streadway/amqp"

	"github.com/magabrotheeeer/fintrack-billing/internal/lib/sl"
)

// Consumer часть *amqp.Channel, нужная для чтения очереди.
type Consumer interface {
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

// Handler обрабатывает тело сообщения. Ошибка возвращает сообщение в очередь один раз,
// повторная ошибка отбрасывает его.
type Handler func(ctx context.Context, body []byte) error

// ConsumerMessage запускает чтение очереди, обрабатывая до workers сообщений одновременно.
// Возвращённая функция ждёт завершения всех обработчиков после отмены ctx.
func ConsumerMessage(ctx context.Context, ch Consumer, queueName string, workers int, handler Handler, log *slog.Logger) (func(), error) {
	const op = "rabbitmq.ConsumerMessage"
	delivery, err := ch.Consume(
		queueName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, workers)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case d, ok := <-delivery:
				if !ok {
					return
				}
				sem <- struct{}{}
				wg.Add(1)
				go func(d amqp.Delivery) {
					defer func() {
						<-sem
						wg.Done()
					}()
					handle(ctx, d, handler, log.With(slog.String("op", op), slog.String("queue", queueName)))
				}(d)
			case <-ctx.Done():
				return
			}
		}
	}()

	wait := func() {
		<-done
		wg.Wait()
	}
	return wait, nil
}

func handle(ctx context.Context, d amqp.Delivery, handler Handler, log *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("handler panic", slog.Any("panic", r))
			_ = d.Nack(false, false)
		}
	}()

	if err := handler(ctx, d.Body); err != nil {
		requeue := !d.Redelivered
		log.Warn("failed to handle message", sl.Err(err), slog.Bool("requeue", requeue))
		if nackErr := d.Nack(false, requeue); nackErr != nil {
			log.Error("failed to nack message", sl.Err(nackErr))
		}
		return
	}
	if ackErr := d.Ack(false); ackErr != nil {
		log.Error("failed to ack message", sl.Err(ackErr))
	}
}
