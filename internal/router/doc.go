// Package router разбирает сообщения сессий и передаёт их сервисам.
//
// Router связывает Connection Registry, сервис jobs и Lease Manager:
//   - проверяет дискриминатор сообщения, роль и факт auth по таблице маршрутов;
//   - запускает обработчик в span OpenTelemetry с recover;
//   - превращает ошибку обработчика в отказ, типизированный по маршруту;
//   - рассылает панелям usage, log, presence и прогресс кампаний.
//
// Ни ошибки, ни паники обработчиков за пределы Dispatch не выходят.
// Сессию закрывает только отказ в auth или heartbeat.
package router
