package jobapi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricNamespace = "drover_jobapi"

const recordTypeLabel = "record_type"

var recordsReceived = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: metricNamespace,
		Name:      "output_records_received_total",
		Help:      "count of accepted updater output records",
	},
	[]string{recordTypeLabel},
)

func recordsReceivedInc(recordType string) {
	recordsReceived.With(prometheus.Labels{recordTypeLabel: recordType}).Inc()
}
