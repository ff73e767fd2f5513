package metrics_test

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kestrelpush/apns/metrics"
)

func TestPrometheusCountersIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := metrics.NewPrometheus(reg)

	p.NotificationSent()
	p.NotificationSent()
	p.NotificationAccepted()
	p.NotificationRejected("BadDeviceToken")
	p.NotificationRejected("BadDeviceToken")
	p.NotificationRejected("BadTopic")
	p.WriteFailure()
	p.ConnectionCreated()
	p.ConnectionCreationFailed()
	p.ConnectionClosed()

	want := `
		# HELP apns_notifications_sent_total Notifications whose bytes were successfully written to the transport.
		# TYPE apns_notifications_sent_total counter
		apns_notifications_sent_total 2
	`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "apns_notifications_sent_total"); err != nil {
		t.Fatalf("unexpected collected metrics: %v", err)
	}
}

func TestPrometheusRejectedLabelsByReason(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := metrics.NewPrometheus(reg)

	p.NotificationRejected("BadDeviceToken")
	p.NotificationRejected("BadDeviceToken")
	p.NotificationRejected("BadTopic")

	want := `
		# HELP apns_notifications_rejected_total Notifications APNs rejected, labeled by reason.
		# TYPE apns_notifications_rejected_total counter
		apns_notifications_rejected_total{reason="BadDeviceToken"} 2
		apns_notifications_rejected_total{reason="BadTopic"} 1
	`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "apns_notifications_rejected_total"); err != nil {
		t.Fatalf("unexpected collected metrics: %v", err)
	}
}

func TestNoopSatisfiesListener(t *testing.T) {
	var l metrics.Listener = metrics.Noop{}
	l.NotificationSent()
	l.NotificationAccepted()
	l.NotificationRejected("BadTopic")
	l.WriteFailure()
	l.ConnectionCreated()
	l.ConnectionCreationFailed()
	l.ConnectionClosed()
}
