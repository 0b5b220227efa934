// Package metrics exposes Prometheus counters/gauges/histograms for
// the message-management core: UID/MODSEQ reservation, journal
// fanout, attachment refcounting, dedupe merges, and quota rejection.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Registry reservation metrics (spec §4.1).
	SlotsReserved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailcore_slots_reserved_total",
		Help: "Total reserveSlot calls by mailbox outcome",
	}, []string{"result"})

	ModseqBumps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailcore_modseq_bumps_total",
		Help: "Total bump() calls (modseq-only reservations)",
	})

	// Message handler metrics (spec §4.2/§4.4-§4.6).
	MessagesAdded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailcore_messages_added_total",
		Help: "Total messages accepted by add()",
	})

	MessagesMoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailcore_messages_moved_total",
		Help: "Total messages relocated by move()",
	})

	MessagesDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailcore_messages_deleted_total",
		Help: "Total messages removed by del()",
	})

	FlagUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailcore_flag_updates_total",
		Help: "Total messages mutated by update()",
	})

	DedupeMerges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailcore_dedupe_merges_total",
		Help: "Total duplicate (hdate, msgid) messages resolved by replace-uid-keep-id",
	})

	QuotaExceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailcore_quota_exceeded_total",
		Help: "Total add() calls rejected for exceeding quota",
	})

	// Attachment store metrics (spec §4.9).
	AttachmentRefcountChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailcore_attachment_refcount_changes_total",
		Help: "Total attachment refcount adjustments by direction",
	}, []string{"direction"})

	AttachmentsReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailcore_attachments_reclaimed_total",
		Help: "Total attachment blobs deleted on refcount reaching zero",
	})

	// Notifier metrics (spec §4.8).
	JournalEntriesAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailcore_journal_entries_appended_total",
		Help: "Total journal entries appended by command",
	}, []string{"command"})

	NotifierFanoutDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailcore_notifier_fanout_dropped_total",
		Help: "Total local listener deliveries dropped due to a full channel",
	})

	NotifierFirePublishFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailcore_notifier_fire_publish_failed_total",
		Help: "Total cross-process poke publishes that failed (best-effort, never bubbled)",
	})

	SSEClientsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mailcore_sse_clients_active",
		Help: "Number of currently connected SSE update streams",
	})

	// IMAP wire metrics.
	IMAPCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailcore_imap_commands_total",
		Help: "Total IMAP commands executed by command and outcome",
	}, []string{"command", "result"})

	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mailcore_imap_active_connections",
		Help: "Number of currently open IMAP connections",
	})

	AuthAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailcore_auth_attempts_total",
		Help: "Total authentication attempts by result",
	}, []string{"result"})

	// Error metrics.
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailcore_errors_total",
		Help: "Total errors by component and type",
	}, []string{"component", "type"})
)

// RecordSlotReservation records a reserveSlot outcome.
func RecordSlotReservation(ok bool) {
	if ok {
		SlotsReserved.WithLabelValues("ok").Inc()
	} else {
		SlotsReserved.WithLabelValues("mailbox_missing").Inc()
	}
}

// RecordAuth records an authentication attempt.
func RecordAuth(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	AuthAttempts.WithLabelValues(result).Inc()
}

// RecordIMAPCommand records a completed IMAP command.
func RecordIMAPCommand(command string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	IMAPCommands.WithLabelValues(command, result).Inc()
}

// RecordError records an error against a component.
func RecordError(component, errorType string) {
	Errors.WithLabelValues(component, errorType).Inc()
}
