// Package cli реализует xdispatch-cli, утилиту оператора.
//
// # Обзор
//
// CLI работает через admin HTTP API сервера и не импортирует внутренние
// пакеты: типы ответов продублированы в client.go.
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент admin API. Добавляет "Authorization: Bearer <token>",
// разбирает DataResponse, ListResponse и ErrorResponse.
//
//	client := cli.NewClient("http://localhost:8085", os.Getenv("ADMIN_TOKEN"))
//	rules, err := client.ListRules()
//
// ## Output
//
// Таблицы (text/tabwriter) по умолчанию, JSON с флагом --json. Данные
// идут в stdout, сообщения в stderr:
//
//	xdispatch-cli job list warmer --json | jq .
//
// ## Commands
//
//   - rule: list, show, create, enable, disable, delete, reload
//   - job: list, counts
//   - sessions
//   - sweep: list, run
//
// Фабрики команд принимают clientFn и outputFn, чтобы Client и Output
// создавались после разбора PersistentFlags.
package cli
