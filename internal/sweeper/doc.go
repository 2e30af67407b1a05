// Package sweeper запускает периодическое обслуживание состояния.
//
// Каждая задача (Sweep) выполняется по расписанию "@every <interval>"
// через robfig/cron и может быть запущена вручную (RunNow, admin API).
//
// Exclusive задачи выполняет только один экземпляр сервера: перед
// запуском берётся pg_try_advisory_lock с ключом от имени задачи. Если
// lock у другого экземпляра, запуск пропускается. Не-exclusive задачи
// (например, перечитывание кэша правил) обслуживают локальное состояние
// процесса и выполняются везде.
//
// Использование:
//
//	sw := sweeper.New(sweeper.Config{Locker: sweeper.PoolLocker(pool), Logger: logger})
//	sw.Add(sweeper.Sweep{
//	    Name:      sweeper.LeaseReclaim,
//	    Interval:  cfg.LeaseReclaimInterval,
//	    Exclusive: true,
//	    Run:       leases.ReclaimExpired,
//	})
//	sw.Start()
//	defer sw.Stop()
package sweeper
