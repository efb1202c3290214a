package rabbitmq

// ExchangePayments direct-обменник событий платежей.
const ExchangePayments = "payments"

// Ключи маршрутизации.
const (
	RoutingKeySubscriptionActivated = "subscription.activated"
	RoutingKeyPaymentReconcile      = "payment.reconcile"
)

// Очереди.
const (
	QueueReconcile             = "billing.payment.reconcile"
	QueueSubscriptionActivated = "billing.subscription.activated"
)

// QueueConfig очередь и ключ, которым она привязана к обменнику.
type QueueConfig struct {
	QueueName  string
	RoutingKey string
}

// GetPaymentQueues возвращает очереди обменника payments.
func GetPaymentQueues() []QueueConfig {
	return []QueueConfig{
		{QueueName: QueueReconcile, RoutingKey: RoutingKeyPaymentReconcile},
		{QueueName: QueueSubscriptionActivated, RoutingKey: RoutingKeySubscriptionActivated},
	}
}
