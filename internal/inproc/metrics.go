package inproc

import (
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	dirldap "github.com/isometry/dirsrv/internal/ldap"
)

// DefaultMetricsNamespace prefixes every internal-operation metric.
const DefaultMetricsNamespace = "dirsrv"

// Operation types used as the "type" label.
const (
	OperationSearch   = "search"
	OperationAdd      = "add"
	OperationDelete   = "delete"
	OperationModify   = "modify"
	OperationModifyDN = "modify_dn"
	OperationCompare  = "compare"
)

// Metrics counts internal operations. Network operations are not recorded here.
type Metrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewMetrics creates the internal-operation collectors and registers them on
// reg. Collectors already registered under the same names are reused, so a
// restarted server keeps counting on the same series.
func NewMetrics(reg prometheus.Registerer, namespace string) (*Metrics, error) {
	if namespace == "" {
		namespace = DefaultMetricsNamespace
	}

	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "internal_operations_total",
		Help:      "Counts internal operations by type and result.",
	}, []string{"type", "result"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "internal_operation_duration_seconds",
		Help:      "Duration of internal operations by type.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
	}, []string{"type"})

	var err error
	if operations, err = register(reg, operations); err != nil {
		return nil, err
	}
	if duration, err = register(reg, duration); err != nil {
		return nil, err
	}

	return &Metrics{operations: operations, duration: duration}, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// observe records one finished operation. A nil receiver records nothing.
func (m *Metrics) observe(opType string, code uint16, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(opType, ResultLabel(code)).Inc()
	m.duration.WithLabelValues(opType).Observe(elapsed.Seconds())
}

// ResultLabel is the metric label for an LDAP result code, for example
// "no_such_object".
func ResultLabel(code uint16) string {
	return strings.ReplaceAll(strings.ToLower(dirldap.ResultCodeName(code)), " ", "_")
}
