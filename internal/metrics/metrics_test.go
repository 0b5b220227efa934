package metrics

import (
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordSlotReservation(t *testing.T) {
	tests := []struct {
		name string
		ok   bool
		want string
	}{
		{"reserved", true, "ok"},
		{"mailbox missing", false, "mailbox_missing"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			initial := testutil.ToFloat64(SlotsReserved.WithLabelValues(tt.want))

			RecordSlotReservation(tt.ok)

			if got := testutil.ToFloat64(SlotsReserved.WithLabelValues(tt.want)); got != initial+1 {
				t.Errorf("SlotsReserved[%s] = %v, want %v", tt.want, got, initial+1)
			}
		})
	}
}

func TestModseqBumps(t *testing.T) {
	initial := testutil.ToFloat64(ModseqBumps)

	ModseqBumps.Inc()

	if got := testutil.ToFloat64(ModseqBumps); got != initial+1 {
		t.Errorf("ModseqBumps = %v, want %v", got, initial+1)
	}
}

func TestMessagesAdded(t *testing.T) {
	initial := testutil.ToFloat64(MessagesAdded)

	MessagesAdded.Inc()

	if got := testutil.ToFloat64(MessagesAdded); got != initial+1 {
		t.Errorf("MessagesAdded = %v, want %v", got, initial+1)
	}
}

func TestMessagesMovedAndDeleted(t *testing.T) {
	initialMoved := testutil.ToFloat64(MessagesMoved)
	MessagesMoved.Inc()
	if got := testutil.ToFloat64(MessagesMoved); got != initialMoved+1 {
		t.Errorf("MessagesMoved = %v, want %v", got, initialMoved+1)
	}

	initialDeleted := testutil.ToFloat64(MessagesDeleted)
	MessagesDeleted.Inc()
	if got := testutil.ToFloat64(MessagesDeleted); got != initialDeleted+1 {
		t.Errorf("MessagesDeleted = %v, want %v", got, initialDeleted+1)
	}
}

func TestDedupeMerges(t *testing.T) {
	initial := testutil.ToFloat64(DedupeMerges)

	DedupeMerges.Inc()

	if got := testutil.ToFloat64(DedupeMerges); got != initial+1 {
		t.Errorf("DedupeMerges = %v, want %v", got, initial+1)
	}
}

func TestAttachmentRefcountChanges(t *testing.T) {
	directions := []string{"increment", "decrement"}

	for _, dir := range directions {
		t.Run(dir, func(t *testing.T) {
			initial := testutil.ToFloat64(AttachmentRefcountChanges.WithLabelValues(dir))

			AttachmentRefcountChanges.WithLabelValues(dir).Inc()

			if got := testutil.ToFloat64(AttachmentRefcountChanges.WithLabelValues(dir)); got != initial+1 {
				t.Errorf("AttachmentRefcountChanges[%s] = %v, want %v", dir, got, initial+1)
			}
		})
	}
}

func TestAttachmentsReclaimed(t *testing.T) {
	initial := testutil.ToFloat64(AttachmentsReclaimed)

	AttachmentsReclaimed.Inc()

	if got := testutil.ToFloat64(AttachmentsReclaimed); got != initial+1 {
		t.Errorf("AttachmentsReclaimed = %v, want %v", got, initial+1)
	}
}

func TestJournalEntriesAppended(t *testing.T) {
	commands := []string{"EXISTS", "EXPUNGE", "FETCH"}

	for _, cmd := range commands {
		t.Run(cmd, func(t *testing.T) {
			initial := testutil.ToFloat64(JournalEntriesAppended.WithLabelValues(cmd))

			JournalEntriesAppended.WithLabelValues(cmd).Inc()

			if got := testutil.ToFloat64(JournalEntriesAppended.WithLabelValues(cmd)); got != initial+1 {
				t.Errorf("JournalEntriesAppended[%s] = %v, want %v", cmd, got, initial+1)
			}
		})
	}
}

func TestNotifierFanoutDroppedAndPublishFailed(t *testing.T) {
	initialDropped := testutil.ToFloat64(NotifierFanoutDropped)
	NotifierFanoutDropped.Inc()
	if got := testutil.ToFloat64(NotifierFanoutDropped); got != initialDropped+1 {
		t.Errorf("NotifierFanoutDropped = %v, want %v", got, initialDropped+1)
	}

	initialFailed := testutil.ToFloat64(NotifierFirePublishFailed)
	NotifierFirePublishFailed.Inc()
	if got := testutil.ToFloat64(NotifierFirePublishFailed); got != initialFailed+1 {
		t.Errorf("NotifierFirePublishFailed = %v, want %v", got, initialFailed+1)
	}
}

func TestSSEClientsActive(t *testing.T) {
	SSEClientsActive.Set(0)
	SSEClientsActive.Inc()
	if got := testutil.ToFloat64(SSEClientsActive); got != 1 {
		t.Errorf("SSEClientsActive after Inc = %v, want 1", got)
	}
	SSEClientsActive.Dec()
	if got := testutil.ToFloat64(SSEClientsActive); got != 0 {
		t.Errorf("SSEClientsActive after Dec = %v, want 0", got)
	}
}

func TestRecordIMAPCommand(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"ok", nil, "ok"},
		{"error", errors.New("boom"), "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			initial := testutil.ToFloat64(IMAPCommands.WithLabelValues("FETCH", tt.want))

			RecordIMAPCommand("FETCH", tt.err)

			if got := testutil.ToFloat64(IMAPCommands.WithLabelValues("FETCH", tt.want)); got != initial+1 {
				t.Errorf("IMAPCommands[FETCH,%s] = %v, want %v", tt.want, got, initial+1)
			}
		})
	}
}

func TestActiveConnections(t *testing.T) {
	ActiveConnections.Set(0)
	ActiveConnections.Inc()
	if got := testutil.ToFloat64(ActiveConnections); got != 1 {
		t.Errorf("ActiveConnections after Inc = %v, want 1", got)
	}
	ActiveConnections.Dec()
	if got := testutil.ToFloat64(ActiveConnections); got != 0 {
		t.Errorf("ActiveConnections after Dec = %v, want 0", got)
	}
}

func TestRecordAuth(t *testing.T) {
	tests := []struct {
		name    string
		success bool
		want    string
	}{
		{"success", true, "success"},
		{"failure", false, "failure"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			initial := testutil.ToFloat64(AuthAttempts.WithLabelValues(tt.want))

			RecordAuth(tt.success)

			if got := testutil.ToFloat64(AuthAttempts.WithLabelValues(tt.want)); got != initial+1 {
				t.Errorf("AuthAttempts[%s] = %v, want %v", tt.want, got, initial+1)
			}
		})
	}
}

func TestRecordError(t *testing.T) {
	tests := []struct {
		component string
		errorType string
	}{
		{"registry", "reserve_slot"},
		{"mailhandler", "add"},
		{"notifier", "fanout"},
	}

	for _, tt := range tests {
		t.Run(tt.component+"_"+tt.errorType, func(t *testing.T) {
			initial := testutil.ToFloat64(Errors.WithLabelValues(tt.component, tt.errorType))

			RecordError(tt.component, tt.errorType)

			if got := testutil.ToFloat64(Errors.WithLabelValues(tt.component, tt.errorType)); got != initial+1 {
				t.Errorf("Errors[%s,%s] = %v, want %v", tt.component, tt.errorType, got, initial+1)
			}
		})
	}
}

func TestQuotaExceeded(t *testing.T) {
	initial := testutil.ToFloat64(QuotaExceeded)

	QuotaExceeded.Inc()

	if got := testutil.ToFloat64(QuotaExceeded); got != initial+1 {
		t.Errorf("QuotaExceeded = %v, want %v", got, initial+1)
	}
}

func TestMetricsRegistration(t *testing.T) {
	// Verify key metrics can be collected without panic.
	counters := []prometheus.Counter{
		ModseqBumps,
		MessagesAdded,
		MessagesMoved,
		MessagesDeleted,
		FlagUpdates,
		DedupeMerges,
		AttachmentsReclaimed,
		NotifierFanoutDropped,
		NotifierFirePublishFailed,
		QuotaExceeded,
	}
	for _, c := range counters {
		_ = testutil.ToFloat64(c)
	}

	gauges := []prometheus.Gauge{
		SSEClientsActive,
		ActiveConnections,
	}
	for _, g := range gauges {
		_ = testutil.ToFloat64(g)
	}

	_ = testutil.ToFloat64(SlotsReserved.WithLabelValues("ok"))
	_ = testutil.ToFloat64(AttachmentRefcountChanges.WithLabelValues("increment"))
	_ = testutil.ToFloat64(JournalEntriesAppended.WithLabelValues("EXISTS"))
	_ = testutil.ToFloat64(IMAPCommands.WithLabelValues("SELECT", "ok"))
	_ = testutil.ToFloat64(AuthAttempts.WithLabelValues("success"))
	_ = testutil.ToFloat64(Errors.WithLabelValues("test", "test"))
}

func TestMetricNames(t *testing.T) {
	expected := "mailcore_"

	metricsToCheck := []struct {
		name   string
		metric prometheus.Collector
	}{
		{"MessagesAdded", MessagesAdded},
		{"ModseqBumps", ModseqBumps},
		{"QuotaExceeded", QuotaExceeded},
	}

	for _, m := range metricsToCheck {
		t.Run(m.name, func(t *testing.T) {
			ch := make(chan prometheus.Metric, 1)
			m.metric.Collect(ch)
			metric := <-ch
			desc := metric.Desc().String()
			if !strings.Contains(desc, expected) {
				t.Errorf("Metric %s description doesn't contain prefix %s: %s", m.name, expected, desc)
			}
		})
	}
}
