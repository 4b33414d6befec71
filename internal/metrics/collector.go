package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/matt-riley/featurehub-go/internal/core"
)

// FeatureSource is the read side of the feature repository.
type FeatureSource interface {
	ExtractFeatureState() []core.FeatureDefinition
}

type featureCollector struct {
	source FeatureSource

	version *prometheus.Desc
	locked  *prometheus.Desc
}

// RegisterFeatureCollector registers gauges that report the version and lock
// state of every cached feature on each scrape.
func RegisterFeatureCollector(reg prometheus.Registerer, source FeatureSource) {
	reg.MustRegister(&featureCollector{
		source: source,
		version: prometheus.NewDesc(
			"featurehub_feature_version",
			"Version of each cached feature.",
			[]string{"key", "type"}, nil,
		),
		locked: prometheus.NewDesc(
			"featurehub_feature_locked",
			"1 when the cached feature is locked, else 0.",
			[]string{"key"}, nil,
		),
	})
}

func (c *featureCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.version
	ch <- c.locked
}

func (c *featureCollector) Collect(ch chan<- prometheus.Metric) {
	for _, def := range c.source.ExtractFeatureState() {
		ch <- prometheus.MustNewConstMetric(c.version, prometheus.GaugeValue, float64(def.Version), def.Key, string(def.Type))
		ch <- prometheus.MustNewConstMetric(c.locked, prometheus.GaugeValue, boolGauge(def.Locked), def.Key)
	}
}
