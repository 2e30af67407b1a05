package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EnvelopesTotal — входящие envelopes по типу и результату обработки.
	EnvelopesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xdispatch_envelopes_total",
		Help: "Inbound envelopes handled by the router",
	}, []string{"type", "result"})

	// ClaimsTotal — попытки claim по семейству и результату (claimed, empty, error).
	ClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xdispatch_job_claims_total",
		Help: "Job claim attempts by family and result",
	}, []string{"family", "result"})

	// JobsFinishedTotal — переходы в финальное состояние.
	JobsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xdispatch_jobs_finished_total",
		Help: "Jobs that reached a terminal state",
	}, []string{"family", "state"})

	// LeasesTotal — выдачи credentials (acquired, empty).
	LeasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xdispatch_leases_total",
		Help: "Credential lease requests by result",
	}, []string{"result"})

	// LeaseReportsTotal — отчёты об использовании credentials.
	LeaseReportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xdispatch_lease_reports_total",
		Help: "Credential usage reports by outcome",
	}, []string{"outcome"})

	// ClassificationsTotal — решения классификатора ошибок.
	ClassificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xdispatch_error_classifications_total",
		Help: "Error classifier decisions by retry action",
	}, []string{"action", "matched"})

	// SessionsGauge — зарегистрированные сессии по роли.
	SessionsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "xdispatch_sessions",
		Help: "Registered sessions by role",
	}, []string{"role"})

	// LeasesReclaimedTotal — освобождённые по таймауту leases.
	LeasesReclaimedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xdispatch_leases_reclaimed_total",
		Help: "Expired credential leases released by the sweeper",
	})

	// OrphansRequeuedTotal — jobs, возвращённые в очередь после ухода воркера.
	OrphansRequeuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xdispatch_orphans_requeued_total",
		Help: "Jobs requeued after their worker disappeared",
	}, []string{"reason"})

	// HeartbeatEvictionsTotal — сессии, закрытые монитором heartbeat.
	HeartbeatEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xdispatch_heartbeat_evictions_total",
		Help: "Sessions terminated for missing a heartbeat",
	})

	// NotificationsTotal — события о завершении jobs по стадии и результату.
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xdispatch_notifications_total",
		Help: "Job-finished notifications by stage and result",
	}, []string{"stage", "result"})

	// SweepsTotal — запуски периодических задач sweeper.
	SweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xdispatch_sweeps_total",
		Help: "Periodic sweep runs by sweep and result",
	}, []string{"sweep", "result"})
)
