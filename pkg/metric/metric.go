// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metric provides primitives for collecting metrics.
//
// Metrics are created once at package initialization with
// MustCreateNewUint64Metric and incremented from hot paths. They are backed
// by Prometheus counters in a package registry and can be exported in the
// Prometheus text format with WriteText.
package metric

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrFieldValueContainsIllegalChar indicates that the value of a metric
	// field had an invalid character in it.
	ErrFieldValueContainsIllegalChar = errors.New("metric field value contains illegal character")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")
)

// namespace prefixes every exported metric name.
const namespace = "vfscore"

// registry holds every metric created by this package.
var registry = prometheus.NewRegistry()

// Registry returns the registry backing all metrics, so that it can be
// served or gathered by other exporters.
func Registry() *prometheus.Registry {
	return registry
}

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	// name is the metric field name.
	name string

	// allowedValues is the list of allowed values for the field.
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues ...string) Field {
	return Field{name: name, allowedValues: allowedValues}
}

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored.
type Uint64Metric struct {
	name    string
	fields  []Field
	allowed []map[string]struct{}
	vec     *prometheus.CounterVec
}

// promName converts a path-style metric name ("/vfs/dcache/hits") to a
// Prometheus name ("vfscore_vfs_dcache_hits").
func promName(name string) string {
	name = strings.TrimPrefix(name, "/")
	name = strings.NewReplacer("/", "_", "-", "_", ".", "_").Replace(name)
	return namespace + "_" + name
}

// NewUint64Metric creates and registers a new cumulative metric with the
// given name.
func NewUint64Metric(name, description string, fields ...Field) (*Uint64Metric, error) {
	m := &Uint64Metric{name: name, fields: fields}
	labels := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f.allowedValues) == 0 {
			return nil, ErrFieldHasNoAllowedValues
		}
		allowed := make(map[string]struct{}, len(f.allowedValues))
		for _, v := range f.allowedValues {
			if strings.ContainsAny(v, "\",\n\\") {
				return nil, ErrFieldValueContainsIllegalChar
			}
			allowed[v] = struct{}{}
		}
		m.allowed = append(m.allowed, allowed)
		labels = append(labels, f.name)
	}
	m.vec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: promName(name),
		Help: description,
	}, labels)
	if err := registry.Register(m.vec); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return nil, ErrNameInUse
		}
		return nil, err
	}
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns an
// error.
func MustCreateNewUint64Metric(name, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

func (m *Uint64Metric) counter(fieldValues []string) prometheus.Counter {
	if len(fieldValues) != len(m.fields) {
		panic(fmt.Sprintf("metric %s: got %d field values, want %d", m.name, len(fieldValues), len(m.fields)))
	}
	for i, v := range fieldValues {
		if _, ok := m.allowed[i][v]; !ok {
			panic(fmt.Sprintf("metric %s: invalid value %q for field %q", m.name, v, m.fields[i].name))
		}
	}
	return m.vec.WithLabelValues(fieldValues...)
}

// Value returns the current value of the metric for the given set of fields.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	var d dto.Metric
	if err := m.counter(fieldValues).Write(&d); err != nil {
		panic(fmt.Sprintf("metric %s: %v", m.name, err))
	}
	return uint64(d.GetCounter().GetValue())
}

// Increment increments the metric field by 1.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.counter(fieldValues).Inc()
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.counter(fieldValues).Add(float64(v))
}

// WriteText writes every registered metric to w in the Prometheus text
// exposition format, sorted by name.
func WriteText(w io.Writer) error {
	families, err := registry.Gather()
	if err != nil {
		return err
	}
	sort.Slice(families, func(i, j int) bool { return families[i].GetName() < families[j].GetName() })
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
