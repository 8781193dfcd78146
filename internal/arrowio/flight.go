package arrowio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-tempo/internal/logger"
	"github.com/23skdu/longbow-tempo/internal/metrics"
	"github.com/23skdu/longbow-tempo/internal/tensor"
)

// DefaultPort is the Flight data port series are fetched from.
const DefaultPort = 3000

var ErrNotConnected = errors.New("flight client not connected")

// SeriesStore fetches raw series by ticket and accepts fused batches.
type SeriesStore interface {
	Connect(ctx context.Context) error
	Close() error
	FetchSeries(ctx context.Context, ticket string, channels, steps int) (*tensor.Tensor, *tensor.Tensor, error)
	PutFused(ctx context.Context, path []string, rec arrow.Record) error
}

// FlightClient talks Arrow Flight to a series server.
type FlightClient struct {
	mu      sync.Mutex
	client  flight.Client
	addr    string
	timeout time.Duration
	log     *logger.Logger
}

// NewFlightClient targets host:port; a non-positive port selects DefaultPort.
func NewFlightClient(host string, port int) *FlightClient {
	if port <= 0 {
		port = DefaultPort
	}
	addr := fmt.Sprintf("%s:%d", host, port)
	return &FlightClient{
		addr:    addr,
		timeout: 30 * time.Second,
		log:     logger.Component("flight").With("addr", addr),
	}
}

func (fc *FlightClient) Addr() string { return fc.addr }

// SetTimeout bounds each FetchSeries and PutFused call.
func (fc *FlightClient) SetTimeout(d time.Duration) { fc.timeout = d }

func (fc *FlightClient) Connect(ctx context.Context) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.client != nil {
		return nil
	}
	client, err := flight.NewClientWithMiddleware(fc.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create Flight client: %w", err)
	}
	fc.client = client
	fc.log.Debug("connected")
	return nil
}

func (fc *FlightClient) Close() error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.client == nil {
		return nil
	}
	err := fc.client.Close()
	fc.client = nil
	return err
}

func (fc *FlightClient) conn() (flight.Client, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.client == nil {
		return nil, ErrNotConnected
	}
	return fc.client, nil
}

// FetchSeries runs DoGet for ticket and decodes the stream as SeriesSchema.
func (fc *FlightClient) FetchSeries(ctx context.Context, ticket string, channels, steps int) (*tensor.Tensor, *tensor.Tensor, error) {
	client, err := fc.conn()
	if err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, fc.timeout)
	defer cancel()

	stream, err := client.DoGet(ctx, &flight.Ticket{Ticket: []byte(ticket)})
	if err != nil {
		return nil, nil, fmt.Errorf("DoGet %q: %w", ticket, err)
	}
	rdr, err := flight.NewRecordReader(stream, ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		return nil, nil, fmt.Errorf("DoGet %q: %w", ticket, err)
	}
	defer rdr.Release()

	values, mask, err := collect(rdr, channels, steps)
	if err != nil {
		return nil, nil, err
	}
	fc.log.Debug("fetched series", "ticket", ticket, "instances", values.Dim(0))
	return values, mask, nil
}

// PutFused uploads rec under a path descriptor.
func (fc *FlightClient) PutFused(ctx context.Context, path []string, rec arrow.Record) error {
	client, err := fc.conn()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, fc.timeout)
	defer cancel()

	stream, err := client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("DoPut: %w", err)
	}
	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	w.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: path})
	if err := w.Write(rec); err != nil {
		w.Close()
		return fmt.Errorf("DoPut write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("DoPut close: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("DoPut close send: %w", err)
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("DoPut ack: %w", err)
		}
	}
	metrics.RecordArrow("write", 1)
	fc.log.Debug("put fused batch", "path", path, "rows", rec.NumRows())
	return nil
}
