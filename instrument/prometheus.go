// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

//go:build !noprometheus

// Package instrument exports dhtmail metrics to prometheus.
package instrument

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	packetsStored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dhtmail_packets_stored_total",
			Help: "Number of packets written to a packet folder",
		},
		[]string{"folder"},
	)
	packetsDeleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dhtmail_packets_deleted_total",
			Help: "Number of packets or index entries deleted with a valid authorization",
		},
		[]string{"folder"},
	)
	packetsExpired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dhtmail_packets_expired_total",
			Help: "Number of packets removed by the expiration sweep",
		},
		[]string{"folder"},
	)
	deleteMismatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dhtmail_delete_authorization_mismatches_total",
			Help: "Number of delete requests with a wrong authorization",
		},
	)
	sendQueueLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dhtmail_send_queue_length",
			Help: "Number of datagrams waiting in the send queue",
		},
	)
	datagramsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dhtmail_datagrams_sent_total",
			Help: "Number of datagrams handed to the transport",
		},
	)
	datagramsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dhtmail_datagrams_failed_total",
			Help: "Number of datagrams the transport failed to send",
		},
	)
	relayRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dhtmail_relay_requests_total",
			Help: "Number of relay requests received",
		},
	)
	relayRequestsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dhtmail_relay_requests_dropped_total",
			Help: "Number of relay requests dropped",
		},
		[]string{"reason"},
	)
	fragmentsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dhtmail_fragments_received_total",
			Help: "Number of email fragments fetched and decrypted",
		},
	)
	emailsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dhtmail_emails_received_total",
			Help: "Number of reassembled emails added to the inbox",
		},
	)
	emailsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dhtmail_emails_sent_total",
			Help: "Number of outbox processing results by status",
		},
		[]string{"status"},
	)
	fragmentsDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dhtmail_fragments_delivered_total",
			Help: "Number of sent fragments confirmed as delivered",
		},
	)
)

func init() {
	prometheus.MustRegister(
		packetsStored,
		packetsDeleted,
		packetsExpired,
		deleteMismatches,
		sendQueueLength,
		datagramsSent,
		datagramsFailed,
		relayRequests,
		relayRequestsDropped,
		fragmentsReceived,
		emailsReceived,
		emailsSent,
		fragmentsDelivered,
	)
}

// Init exposes the registered metrics on addr.  An empty address disables
// the listener.
func Init(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go http.ListenAndServe(addr, mux)
}

// PacketStored increments the counter for packets written to a folder.
func PacketStored(folder string) {
	packetsStored.WithLabelValues(folder).Inc()
}

// PacketsDeleted adds to the counter for authorized deletions.
func PacketsDeleted(folder string, n int) {
	packetsDeleted.WithLabelValues(folder).Add(float64(n))
}

// PacketsExpired adds to the counter for expired packets.
func PacketsExpired(folder string, n int) {
	packetsExpired.WithLabelValues(folder).Add(float64(n))
}

// DeleteMismatch increments the counter for rejected delete authorizations.
func DeleteMismatch() {
	deleteMismatches.Inc()
}

// SendQueueLength sets the send queue gauge.
func SendQueueLength(n int) {
	sendQueueLength.Set(float64(n))
}

// DatagramSent increments the counter for transmitted datagrams.
func DatagramSent() {
	datagramsSent.Inc()
}

// DatagramFailed increments the counter for failed transmissions.
func DatagramFailed() {
	datagramsFailed.Inc()
}

// RelayRequest increments the counter for received relay requests.
func RelayRequest() {
	relayRequests.Inc()
}

// RelayRequestDropped increments the counter for dropped relay requests.
func RelayRequestDropped(reason string) {
	relayRequestsDropped.WithLabelValues(reason).Inc()
}

// FragmentReceived increments the counter for received fragments.
func FragmentReceived() {
	fragmentsReceived.Inc()
}

// EmailReceived increments the counter for reassembled emails.
func EmailReceived() {
	emailsReceived.Inc()
}

// EmailSent increments the outbox result counter for status.
func EmailSent(status string) {
	emailsSent.WithLabelValues(status).Inc()
}

// FragmentDelivered increments the counter for confirmed fragments.
func FragmentDelivered() {
	fragmentsDelivered.Inc()
}
