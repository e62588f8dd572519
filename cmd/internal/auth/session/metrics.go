package session

import "github.com/prometheus/client_golang/prometheus"

// Rotation results recorded by Metrics.
const (
	resultRotated = "rotated"
	resultInvalid = "invalid"
	resultExpired = "expired"
	resultReused  = "reused"
	resultError   = "error"
)

// Metrics holds the refresh-token counters. A nil *Metrics records nothing.
type Metrics struct {
	issued      prometheus.Counter
	rotations   *prometheus.CounterVec
	revocations *prometheus.CounterVec
}

// NewMetrics registers the counters on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		issued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tether",
			Name:      "tokens_issued_total",
			Help:      "Token pairs minted for a fresh login.",
		}),
		rotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tether",
			Name:      "refresh_rotations_total",
			Help:      "Refresh attempts by result.",
		}, []string{"result"}),
		revocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tether",
			Name:      "refresh_revocations_total",
			Help:      "Refresh tokens revoked, by reason.",
		}, []string{"reason"}),
	}

	for _, c := range []prometheus.Collector{m.issued, m.rotations, m.revocations} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) incIssued() {
	if m == nil {
		return
	}
	m.issued.Inc()
}

func (m *Metrics) incRotation(result string) {
	if m == nil {
		return
	}
	m.rotations.WithLabelValues(result).Inc()
}

func (m *Metrics) addRevoked(reason string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.revocations.WithLabelValues(reason).Add(float64(n))
}
