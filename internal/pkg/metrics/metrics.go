package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 业务指标集合。调用 InitMetrics 后方可使用。
var (
	RegistrationTotal               prometheus.Counter
	VerificationTotal               prometheus.Counter
	PasswordResetTotal              prometheus.Counter
	DonationCreatedTotal            prometheus.Counter
	DonationFailedTotal             prometheus.Counter
	DonationDuplicatePreventedTotal prometheus.Counter
	EmailSentTotal                  prometheus.Counter
	EmailFailedTotal                prometheus.Counter

	HTTPRequestDuration *prometheus.HistogramVec
)

var initOnce sync.Once

// InitMetrics 注册 Prometheus 指标。
//
// 可以安全地多次调用（仅首次生效），测试中也会调用。
func InitMetrics() {
	initOnce.Do(func() {
		RegistrationTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "darowizna_registration_total",
			Help: "Total number of accounts registered.",
		})
		VerificationTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "darowizna_email_verification_total",
			Help: "Total number of successful email verifications.",
		})
		PasswordResetTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "darowizna_password_reset_total",
			Help: "Total number of completed password resets.",
		})
		DonationCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "darowizna_donation_created_total",
			Help: "Total number of donations created.",
		})
		DonationFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "darowizna_donation_failed_total",
			Help: "Total number of donation submissions that failed.",
		})
		DonationDuplicatePreventedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "darowizna_donation_duplicate_prevented_total",
			Help: "Total number of duplicate donation submissions prevented.",
		})
		EmailSentTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "darowizna_email_sent_total",
			Help: "Total number of emails dispatched.",
		})
		EmailFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "darowizna_email_failed_total",
			Help: "Total number of email dispatch failures.",
		})
		HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "darowizna_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"})
	})
}
