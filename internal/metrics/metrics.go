// Package metrics exports session counters in prometheus format.
package metrics

import (
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/temoto/iotdevice/iot"
)

const namespace = "iotdevice"

type Snapshotter interface {
	Snapshot() []iot.Status
}

// Collector reads registry snapshot on every scrape.
type Collector struct {
	src Snapshotter

	outbound    *prometheus.Desc
	confirmed   *prometheus.Desc
	inbound     *prometheus.Desc
	dropped     *prometheus.Desc
	unconfirmed *prometheus.Desc
	connection  *prometheus.Desc
	lastError   *prometheus.Desc
	sessions    *prometheus.Desc

	errors *prometheus.CounterVec
}

var _ prometheus.Collector = (*Collector)(nil)

func New(src Snapshotter) *Collector {
	device := []string{"device"}
	desc := func(name, help string, labels []string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "session", name), help, labels, nil)
	}
	return &Collector{
		src:         src,
		outbound:    desc("outbound_total", "Messages accepted for delivery.", device),
		confirmed:   desc("confirmed_total", "Messages acknowledged by receiver.", device),
		inbound:     desc("inbound_total", "Cloud-to-device messages received.", device),
		dropped:     desc("inbound_dropped_total", "Cloud-to-device messages rejected by parser.", device),
		unconfirmed: desc("unconfirmed", "Message slots waiting for acknowledgement.", device),
		connection:  desc("connection", "1 for current connection status of session.", []string{"device", "status"}),
		lastError:   desc("last_error", "Last terminal error code, 0 is ok.", device),
		sessions:    desc("open", "Number of open sessions.", nil),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Logged errors by code.",
		}, []string{"code"}),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.outbound
	ch <- c.confirmed
	ch <- c.inbound
	ch <- c.dropped
	ch <- c.unconfirmed
	ch <- c.connection
	ch <- c.lastError
	ch <- c.sessions
	c.errors.Describe(ch)
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	list := c.src.Snapshot()
	ch <- prometheus.MustNewConstMetric(c.sessions, prometheus.GaugeValue, float64(len(list)))
	for _, st := range list {
		id := st.DeviceID
		ch <- prometheus.MustNewConstMetric(c.outbound, prometheus.CounterValue, float64(st.Outbound), id)
		ch <- prometheus.MustNewConstMetric(c.confirmed, prometheus.CounterValue, float64(st.Confirmed), id)
		ch <- prometheus.MustNewConstMetric(c.inbound, prometheus.CounterValue, float64(st.Inbound), id)
		ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(st.Dropped), id)
		ch <- prometheus.MustNewConstMetric(c.unconfirmed, prometheus.GaugeValue, float64(st.Unconfirmed), id)
		ch <- prometheus.MustNewConstMetric(c.connection, prometheus.GaugeValue, 1, id, st.Connection.String())
		ch <- prometheus.MustNewConstMetric(c.lastError, prometheus.GaugeValue, float64(st.LastError), id)
	}
	c.errors.Collect(ch)
}

// ObserveError fits log2.ErrorFunc.
func (c *Collector) ObserveError(err error) {
	label := "other"
	if code, ok := errors.Cause(err).(iot.ErrorCode); ok {
		label = code.String()
	}
	c.errors.WithLabelValues(label).Inc()
}
