package captcha

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// verificationsTotal counts token checks.
// Labels: result (admitted, rejected, unavailable)
var verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "lummia",
	Subsystem: "captcha",
	Name:      "verifications_total",
	Help:      "Total abuse gate verifications by result",
}, []string{"result"})
