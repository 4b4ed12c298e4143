// Copyright 2018 The gVisor Authors.
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

// Package metric provides counters for firmware events and exports them in
// the Prometheus text format.
package metric

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"sync"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
	"rvsbi.dev/rvsbi/pkg/atomicbitops"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define
	// some allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")

	// ErrTooManyFieldCombinations indicates that the number of unique
	// combinations of fields is too large to support.
	ErrTooManyFieldCombinations = errors.New("metric has too many combinations of allowed field values")
)

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored.
type Uint64Metric struct {
	// fields is the map of field-value combination index keys to Uint64 counters.
	fields []atomicbitops.Uint64

	// fieldMapper is used to generate index keys for the fields array (above)
	// based on field value combinations, and vice-versa.
	fieldMapper fieldMapper
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
func NewField(name string, allowedValues []string) Field {
	return Field{
		name:          name,
		allowedValues: allowedValues,
	}
}

// fieldMapper provides multi-dimensional fields to a single unique integer key
type fieldMapper struct {
	// fields is a list of Field objects, which importantly include individual
	// Field names which are used to perform the keyToMultiField function; and
	// allowedValues for each field type which are used to perform the lookup
	// function.
	fields []Field

	// numFieldCombinations is the number of unique keys for all possible field
	// combinations.
	numFieldCombinations int
}

// newFieldMapper returns a new fieldMapper for the given set of fields.
func newFieldMapper(fields ...Field) (fieldMapper, error) {
	numFieldCombinations := 1
	for _, f := range fields {
		// Disallow fields with no possible values. We could also ignore them
		// instead, but passing in a no-allowed-values field is probably a mistake.
		if len(f.allowedValues) == 0 {
			return fieldMapper{nil, 0}, ErrFieldHasNoAllowedValues
		}
		numFieldCombinations *= len(f.allowedValues)
		if numFieldCombinations > math.MaxUint32 || numFieldCombinations < 0 {
			return fieldMapper{nil, 0}, ErrTooManyFieldCombinations
		}
	}

	return fieldMapper{
		fields:               fields,
		numFieldCombinations: numFieldCombinations,
	}, nil
}

// lookup looks up a key within the fieldMapper.
// This *must* be called with the correct number of fields, or it will panic.
func (m fieldMapper) lookup(fields ...string) int {
	if len(fields) != len(m.fields) {
		panic("invalid field lookup depth")
	}
	idx := 0
	remainingCombinationBucket := m.numFieldCombinations

IdxLookup:
	for i, val := range fields {
		for valIdx, allowedVal := range m.fields[i].allowedValues {
			if val == allowedVal {
				remainingCombinationBucket /= len(m.fields[i].allowedValues)
				idx += remainingCombinationBucket * valIdx
				continue IdxLookup
			}
		}

		panic(fmt.Sprintf("disallowed field value %q", val))
	}
	return idx
}

// numKeys returns the total number of key-to-field-combinations mappings
// defined by the fieldMapper.
func (m fieldMapper) numKeys() int {
	return m.numFieldCombinations
}

// keyToMultiField is the reverse of lookup. The returned list of field values
// corresponds to the same order of fields that were passed in to
// newFieldMapper.
func (m fieldMapper) keyToMultiField(key int) []string {
	if len(m.fields) == 0 && key == 0 {
		return nil
	}
	depth := len(m.fields)
	fields := make([]string, depth)
	remainingCombinationBucket := m.numFieldCombinations
	for i := 0; i < depth; i++ {
		remainingCombinationBucket /= len(m.fields[i].allowedValues)
		fields[i] = m.fields[i].allowedValues[key/remainingCombinationBucket]
		key = key % remainingCombinationBucket
	}
	return fields
}

// registered is a metric known to the registry.
type registered struct {
	name        string
	description string
	cumulative  bool
	metric      *Uint64Metric
}

// Registry is a set of metrics.
type Registry struct {
	mu      sync.Mutex
	metrics map[string]*registered
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]*registered)}
}

// Default is the registry used by the package-level functions.
var Default = NewRegistry()

// NewUint64Metric creates and registers a new metric with the given name.
// Cumulative metrics are exported as counters, others as gauges.
func (r *Registry) NewUint64Metric(name string, cumulative bool, description string, fields ...Field) (*Uint64Metric, error) {
	f, err := newFieldMapper(fields...)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.metrics[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrNameInUse, name)
	}
	m := &Uint64Metric{
		fieldMapper: f,
		fields:      make([]atomicbitops.Uint64, f.numKeys()),
	}
	r.metrics[name] = &registered{
		name:        name,
		description: description,
		cumulative:  cumulative,
		metric:      m,
	}
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric on the default registry and
// panics if it returns an error.
func MustCreateNewUint64Metric(name string, cumulative bool, description string, fields ...Field) *Uint64Metric {
	m, err := Default.NewUint64Metric(name, cumulative, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// Value returns the current value of the metric for the given set of fields.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	key := m.fieldMapper.lookup(fieldValues...)
	return m.fields[key].Load()
}

// Increment increments the metric field by 1.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	key := m.fieldMapper.lookup(fieldValues...)
	m.fields[key].Add(1)
}

// IncrementBy increments the metric by v.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	key := m.fieldMapper.lookup(fieldValues...)
	m.fields[key].Add(v)
}

// Families returns a snapshot of every metric as Prometheus metric families,
// sorted by name. Field combinations with a zero value are omitted.
func (r *Registry) Families(prefix string) []*dto.MetricFamily {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.metrics))
	for name := range r.metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	families := make([]*dto.MetricFamily, 0, len(names))
	for _, name := range names {
		reg := r.metrics[name]
		typ := dto.MetricType_GAUGE
		if reg.cumulative {
			typ = dto.MetricType_COUNTER
		}
		mf := &dto.MetricFamily{
			Name: proto.String(prefix + name),
			Type: typ.Enum(),
		}
		if reg.description != "" {
			mf.Help = proto.String(reg.description)
		}
		for key := range reg.metric.fields {
			v := reg.metric.fields[key].Load()
			if v == 0 && reg.metric.fieldMapper.numKeys() > 1 {
				continue
			}
			dm := &dto.Metric{}
			for i, fv := range reg.metric.fieldMapper.keyToMultiField(key) {
				dm.Label = append(dm.Label, &dto.LabelPair{
					Name:  proto.String(reg.metric.fieldMapper.fields[i].name),
					Value: proto.String(fv),
				})
			}
			if reg.cumulative {
				dm.Counter = &dto.Counter{Value: proto.Float64(float64(v))}
			} else {
				dm.Gauge = &dto.Gauge{Value: proto.Float64(float64(v))}
			}
			mf.Metric = append(mf.Metric, dm)
		}
		if len(mf.Metric) > 0 {
			families = append(families, mf)
		}
	}
	return families
}

// Write writes every metric to w in the Prometheus text exposition format.
func (r *Registry) Write(w io.Writer, prefix string) (int, error) {
	total := 0
	for _, mf := range r.Families(prefix) {
		n, err := expfmt.MetricFamilyToText(w, mf)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Write writes the default registry to w.
func Write(w io.Writer, prefix string) (int, error) {
	return Default.Write(w, prefix)
}
