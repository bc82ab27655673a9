package driver

import (
	"strconv"
	"strings"

	"github.com/albertbausili/h2reset/internal/reset"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	streamTerminations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "h2reset_stream_terminations_total",
			Help: "Streams closed, by recorded cause and RST_STREAM code (none when no reset was written)",
		},
		[]string{"cause", "code"},
	)

	abortRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "h2reset_abort_rejected_total",
			Help: "Application abort calls rejected because the transport has no stream reset",
		},
	)

	streamsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "h2reset_streams_open",
			Help: "Streams handed to the application and not yet closed",
		},
	)
)

// codeLabel names the RST_STREAM code of an action. Application codes
// outside the registry are rendered in decimal.
func codeLabel(a reset.Action) string {
	if a.Kind != reset.Emit {
		return "none"
	}
	if s := a.Code.String(); !strings.HasPrefix(s, "unknown") {
		return s
	}
	return strconv.FormatUint(uint64(a.Code), 10)
}
