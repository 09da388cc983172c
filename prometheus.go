package virtionet

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ehrlich-b/go-virtionet/internal/wire"
)

// PrometheusObserver exports device events as Prometheus metrics. One
// observer may serve several devices; each is a value of the "device"
// label.
type PrometheusObserver struct {
	device string

	packets     *prometheus.CounterVec
	bytes       *prometheus.CounterVec
	drops       prometheus.Counter
	txErrors    prometheus.Counter
	queueFull   *prometheus.CounterVec
	interrupts  *prometheus.CounterVec
	completions *prometheus.CounterVec
	txLatency   prometheus.Observer
}

// PrometheusCollectors holds the metric families shared by every device
type PrometheusCollectors struct {
	packets     *prometheus.CounterVec
	bytes       *prometheus.CounterVec
	drops       *prometheus.CounterVec
	txErrors    *prometheus.CounterVec
	queueFull   *prometheus.CounterVec
	interrupts  *prometheus.CounterVec
	completions *prometheus.CounterVec
	txLatency   *prometheus.HistogramVec
}

// NewPrometheusCollectors creates the metric families and registers them
// with reg
func NewPrometheusCollectors(reg prometheus.Registerer) (*PrometheusCollectors, error) {
	const ns = "virtionet"
	c := &PrometheusCollectors{
		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "packets_total", Help: "Frames moved, by direction.",
		}, []string{"device", "direction"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "bytes_total", Help: "Frame bytes moved, by direction.",
		}, []string{"device", "direction"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "rx_drops_total", Help: "Received frames not delivered upstream.",
		}, []string{"device"}),
		txErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "tx_errors_total", Help: "Transmit attempts that failed.",
		}, []string{"device"}),
		queueFull: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "queue_full_total", Help: "Submissions refused for lack of descriptors.",
		}, []string{"device", "queue"}),
		interrupts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "interrupts_total", Help: "Interrupts handled, by cause.",
		}, []string{"device", "cause"}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "completions_total", Help: "Chains drained from the used ring.",
		}, []string{"device", "queue"}),
		txLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "tx_completion_seconds",
			Help:      "Time from submit to transmit completion.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 10, numLatencyBuckets),
		}, []string{"device"}),
	}
	for _, col := range []prometheus.Collector{
		c.packets, c.bytes, c.drops, c.txErrors, c.queueFull, c.interrupts, c.completions, c.txLatency,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Observer returns the observer for one device
func (c *PrometheusCollectors) Observer(device string) *PrometheusObserver {
	return &PrometheusObserver{
		device:      device,
		packets:     c.packets,
		bytes:       c.bytes,
		drops:       c.drops.WithLabelValues(device),
		txErrors:    c.txErrors.WithLabelValues(device),
		queueFull:   c.queueFull,
		interrupts:  c.interrupts,
		completions: c.completions,
		txLatency:   c.txLatency.WithLabelValues(device),
	}
}

// NewPrometheusObserver registers fresh collectors with reg and returns the
// observer for device
func NewPrometheusObserver(reg prometheus.Registerer, device string) (*PrometheusObserver, error) {
	c, err := NewPrometheusCollectors(reg)
	if err != nil {
		return nil, err
	}
	return c.Observer(device), nil
}

func (o *PrometheusObserver) ObserveInterrupt(isr uint8, claimed bool) {
	if !claimed {
		o.interrupts.WithLabelValues(o.device, "unclaimed").Inc()
		return
	}
	if isr&wire.ISRQueue != 0 {
		o.interrupts.WithLabelValues(o.device, "queue").Inc()
	}
	if isr&wire.ISRConfig != 0 {
		o.interrupts.WithLabelValues(o.device, "config").Inc()
	}
	if isr&^wire.ISRKnown != 0 {
		o.interrupts.WithLabelValues(o.device, "unexpected").Inc()
	}
}

func (o *PrometheusObserver) ObserveCompletion(queue uint16) {
	o.completions.WithLabelValues(o.device, queueLabel(queue)).Inc()
}

func (o *PrometheusObserver) ObserveRX(bytes uint64, delivered bool) {
	if !delivered {
		o.drops.Inc()
		return
	}
	o.packets.WithLabelValues(o.device, "rx").Inc()
	o.bytes.WithLabelValues(o.device, "rx").Add(float64(bytes))
}

func (o *PrometheusObserver) ObserveTX(bytes uint64, latencyNs uint64, success bool) {
	if !success {
		o.txErrors.Inc()
		return
	}
	o.packets.WithLabelValues(o.device, "tx").Inc()
	o.bytes.WithLabelValues(o.device, "tx").Add(float64(bytes))
	o.txLatency.Observe(float64(latencyNs) / 1e9)
}

func (o *PrometheusObserver) ObserveQueueFull(queue uint16) {
	o.queueFull.WithLabelValues(o.device, queueLabel(queue)).Inc()
}

func queueLabel(q uint16) string {
	switch q {
	case wire.QueueReceive:
		return "receive"
	case wire.QueueTransmit:
		return "transmit"
	case wire.QueueControl:
		return "control"
	}
	return strconv.Itoa(int(q))
}

var _ Observer = (*PrometheusObserver)(nil)
