// Package notify доставляет владельцам jobs уведомления о завершении.
//
// Путь события:
//
//	jobs.Service ──JobFinished──▶ Publisher ──▶ RabbitMQ (jobs.finished)
//	                                                │
//	xdispatch-notifier ◀── mq.Consumer ◀────────────┘
//	        │
//	        └── Handler ──▶ Format ──▶ Telegram (sendMessage)
//
// Publisher не блокирует dispatch: ошибка шины только логируется.
// Jobs без chat_id подтверждаются без отправки.
package notify
