package arrowio

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/23skdu/longbow-tempo/internal/tensor"
)

type mockSeries struct {
	values *tensor.Tensor
	mask   *tensor.Tensor
}

// MockFlightClient is an in-memory SeriesStore for tests and offline runs.
type MockFlightClient struct {
	mu        sync.RWMutex
	connected bool
	series    map[string]mockSeries
	fused     map[string]arrow.Record
}

func NewMockFlightClient() *MockFlightClient {
	return &MockFlightClient{
		series: make(map[string]mockSeries),
		fused:  make(map[string]arrow.Record),
	}
}

// AddSeries registers values [N, C, T] and mask [N, T] under ticket.
func (m *MockFlightClient) AddSeries(ticket string, values, mask *tensor.Tensor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.series[ticket] = mockSeries{values: values, mask: mask}
}

func (m *MockFlightClient) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

// Close disconnects and releases every stored fused record.
func (m *MockFlightClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	for k, rec := range m.fused {
		rec.Release()
		delete(m.fused, k)
	}
	return nil
}

func (m *MockFlightClient) FetchSeries(ctx context.Context, ticket string, channels, steps int) (*tensor.Tensor, *tensor.Tensor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected {
		return nil, nil, ErrNotConnected
	}
	s, ok := m.series[ticket]
	if !ok {
		return nil, nil, fmt.Errorf("unknown ticket %q", ticket)
	}
	if s.values.Dim(1) != channels || s.values.Dim(2) != steps {
		return nil, nil, fmt.Errorf("%w: ticket %q holds %v", tensor.ErrShapeMismatch, ticket, s.values.Shape())
	}
	mask := s.mask
	if mask == nil {
		mask = tensor.Full(1, s.values.Dim(0), steps)
	}
	return s.values.Clone(), mask.Clone(), nil
}

func (m *MockFlightClient) PutFused(ctx context.Context, path []string, rec arrow.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	key := strings.Join(path, "/")
	if old, ok := m.fused[key]; ok {
		old.Release()
	}
	rec.Retain()
	m.fused[key] = rec
	return nil
}

// Fused returns the record last put under path, or nil.
func (m *MockFlightClient) Fused(path ...string) arrow.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fused[strings.Join(path, "/")]
}

var (
	_ SeriesStore = (*FlightClient)(nil)
	_ SeriesStore = (*MockFlightClient)(nil)
)
