package arrowio

import (
	"fmt"
	"io"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-tempo/internal/metrics"
	"github.com/23skdu/longbow-tempo/internal/tensor"
)

// ReadIPCFile reads every record batch of an Arrow IPC file in SeriesSchema.
func ReadIPCFile(path string, channels, steps int) (*tensor.Tensor, *tensor.Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	r, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		return nil, nil, fmt.Errorf("open arrow file %s: %w", path, err)
	}
	defer r.Close()

	recs := make([]arrow.Record, 0, r.NumRecords())
	defer func() {
		for _, rec := range recs {
			rec.Release()
		}
	}()
	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.Record(i)
		if err != nil {
			return nil, nil, fmt.Errorf("read record %d of %s: %w", i, path, err)
		}
		rec.Retain()
		recs = append(recs, rec)
	}
	metrics.RecordArrow("read", len(recs))
	return ReadSeries(recs, channels, steps)
}

// WriteIPCFile writes records sharing one schema to an Arrow IPC file.
func WriteIPCFile(path string, recs ...arrow.Record) error {
	if len(recs) == 0 {
		return fmt.Errorf("write %s: no records", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w, err := ipc.NewFileWriter(f, ipc.WithSchema(recs[0].Schema()), ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		f.Close()
		return fmt.Errorf("create arrow writer: %w", err)
	}
	for _, rec := range recs {
		if err := w.Write(rec); err != nil {
			w.Close()
			f.Close()
			return fmt.Errorf("write record: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		f.Close()
		return err
	}
	metrics.RecordArrow("write", len(recs))
	return f.Close()
}

// ReadIPCStream decodes an Arrow IPC stream in SeriesSchema.
func ReadIPCStream(r io.Reader, channels, steps int) (*tensor.Tensor, *tensor.Tensor, error) {
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		return nil, nil, fmt.Errorf("open arrow stream: %w", err)
	}
	defer rdr.Release()
	return collect(rdr, channels, steps)
}

// recordStream is what ipc.Reader and flight.Reader have in common.
type recordStream interface {
	Next() bool
	Record() arrow.Record
	Err() error
}

func collect(s recordStream, channels, steps int) (*tensor.Tensor, *tensor.Tensor, error) {
	var recs []arrow.Record
	defer func() {
		for _, rec := range recs {
			rec.Release()
		}
	}()
	for s.Next() {
		rec := s.Record()
		rec.Retain()
		recs = append(recs, rec)
	}
	if err := s.Err(); err != nil && err != io.EOF {
		return nil, nil, fmt.Errorf("read arrow stream: %w", err)
	}
	metrics.RecordArrow("read", len(recs))
	return ReadSeries(recs, channels, steps)
}
