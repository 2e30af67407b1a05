// Package mq — шина событий xdispatch поверх RabbitMQ.
//
// Сервер публикует события о завершении jobs, xdispatch-notifier их
// потребляет и доставляет владельцам (Telegram). Публикация не блокирует
// dispatch: сбой шины только логируется.
//
// Структура:
//   - connection.go — соединение с reconnect и graceful shutdown
//   - topology.go   — exchanges, queues, bindings
//   - publisher.go  — публикация событий
//   - consumer.go   — потребление событий
//
// Типы сообщений:
//   - job.finished — job перешла в completed
//
// Exchanges:
//   - xdispatch.jobs — события jobs
//   - xdispatch.dlq  — dead letter queue
package mq
