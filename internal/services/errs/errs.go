// Package errs содержит общие для сервисов ошибки. Слои оборачивают их через
// fmt.Errorf("%s: %w", op, err), проверка выполняется через errors.Is.
package errs

import "errors"

var (
	// ErrRemoteUnavailable хранилище недоступно (сеть, таймаут, права).
	ErrRemoteUnavailable = errors.New("remote store unavailable")
	// ErrNotFound подходящая запись не найдена.
	ErrNotFound = errors.New("not found")
	// ErrGatewayRejected шлюз отклонил запрос или платеж.
	ErrGatewayRejected = errors.New("payment gateway rejected request")
	// ErrGatewayUnreachable шлюз недоступен, результат платежа неизвестен.
	ErrGatewayUnreachable = errors.New("payment gateway unreachable")
	// ErrConflict состояние записи не совпадает с ожидаемым.
	ErrConflict = errors.New("conflict")
	// ErrInvalidInput некорректные входные данные.
	ErrInvalidInput = errors.New("invalid input")
)
