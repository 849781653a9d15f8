package metrics

import (
	"fmt"

	dto "github.com/prometheus/client_model/go"
)

func fetchCounterValue(mfs []*dto.MetricFamily, name, label, value string) (float64, error) {
	metric, err := findMetric(mfs, name, label, value)
	if err != nil {
		return 0, err
	}
	return metric.GetCounter().GetValue(), nil
}

func fetchHistogramSum(mfs []*dto.MetricFamily, name, label, value string) (float64, error) {
	metric, err := findMetric(mfs, name, label, value)
	if err != nil {
		return 0, err
	}
	return metric.GetHistogram().GetSampleSum(), nil
}

func findMetric(mfs []*dto.MetricFamily, name, label, value string) (*dto.Metric, error) {
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, pair := range metric.GetLabel() {
				if pair.GetName() == label && pair.GetValue() == value {
					return metric, nil
				}
			}
		}
		return nil, fmt.Errorf("metric %q has no series with %s=%s", name, label, value)
	}
	return nil, fmt.Errorf("metric %q not found", name)
}

// fetchCounterSeries returns the counter whose labels include every pair in want.
func fetchCounterSeries(mfs []*dto.MetricFamily, name string, want map[string]string) (float64, error) {
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	series:
		for _, metric := range mf.GetMetric() {
			got := map[string]string{}
			for _, pair := range metric.GetLabel() {
				got[pair.GetName()] = pair.GetValue()
			}
			for k, v := range want {
				if got[k] != v {
					continue series
				}
			}
			return metric.GetCounter().GetValue(), nil
		}
		return 0, fmt.Errorf("metric %q has no series matching %v", name, want)
	}
	return 0, fmt.Errorf("metric %q not found", name)
}
