// Package arrowio moves raw time series and fused batches in and out of
// Arrow record batches, IPC files and Flight streams.
package arrowio

import (
	"errors"
	"fmt"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-tempo/internal/tensor"
)

var ErrSchema = errors.New("unexpected arrow schema")

// SeriesSchema holds one time-series instance per row. values is the
// channel-major flattening of [channels, steps]; a null mask means every
// step was observed.
var SeriesSchema = arrow.NewSchema([]arrow.Field{
	{Name: "instance", Type: arrow.PrimitiveTypes.Int32},
	{Name: "values", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
	{Name: "mask", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32), Nullable: true},
}, nil)

// SeriesRecord encodes values [N, C, T] and an optional mask [N, T].
func SeriesRecord(mem memory.Allocator, values, mask *tensor.Tensor) (arrow.Record, error) {
	if values.Rank() != 3 {
		return nil, fmt.Errorf("%w: values %v, want [N C T]", tensor.ErrShapeMismatch, values.Shape())
	}
	n, steps := values.Dim(0), values.Dim(2)
	if mask != nil && (mask.Rank() != 2 || mask.Dim(0) != n || mask.Dim(1) != steps) {
		return nil, fmt.Errorf("%w: mask %v for values %v", tensor.ErrShapeMismatch, mask.Shape(), values.Shape())
	}

	b := array.NewRecordBuilder(mem, SeriesSchema)
	defer b.Release()

	ids := b.Field(0).(*array.Int32Builder)
	vals := b.Field(1).(*array.ListBuilder)
	valItems := vals.ValueBuilder().(*array.Float32Builder)
	masks := b.Field(2).(*array.ListBuilder)
	maskItems := masks.ValueBuilder().(*array.Float32Builder)

	for i := 0; i < n; i++ {
		ids.Append(int32(i))
		vals.Append(true)
		valItems.AppendValues(values.Sub(i).Data(), nil)
		if mask == nil {
			masks.AppendNull()
			continue
		}
		masks.Append(true)
		maskItems.AppendValues(mask.Vec(i), nil)
	}
	return b.NewRecord(), nil
}

type seriesRow struct {
	instance int32
	values   []float32
	mask     []float32
}

// ReadSeries decodes records in SeriesSchema into values [N, C, T] and mask
// [N, T], ordered by instance id.
func ReadSeries(recs []arrow.Record, channels, steps int) (*tensor.Tensor, *tensor.Tensor, error) {
	var rows []seriesRow
	for _, rec := range recs {
		got, err := readRows(rec, channels, steps)
		if err != nil {
			return nil, nil, err
		}
		rows = append(rows, got...)
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].instance < rows[j].instance })

	values := tensor.New(len(rows), channels, steps)
	mask := tensor.New(len(rows), steps)
	for i, r := range rows {
		copy(values.Sub(i).Data(), r.values)
		copy(mask.Vec(i), r.mask)
	}
	return values, mask, nil
}

func readRows(rec arrow.Record, channels, steps int) ([]seriesRow, error) {
	if !rec.Schema().Equal(SeriesSchema) {
		return nil, fmt.Errorf("%w: %s", ErrSchema, rec.Schema())
	}
	ids, ok := rec.Column(0).(*array.Int32)
	if !ok {
		return nil, fmt.Errorf("%w: instance column is %s", ErrSchema, rec.Column(0).DataType())
	}
	vals := rec.Column(1).(*array.List)
	masks := rec.Column(2).(*array.List)
	valItems := vals.ListValues().(*array.Float32).Float32Values()
	maskItems := masks.ListValues().(*array.Float32).Float32Values()

	rows := make([]seriesRow, 0, rec.NumRows())
	for i := 0; i < int(rec.NumRows()); i++ {
		start, end := vals.ValueOffsets(i)
		if int(end-start) != channels*steps {
			return nil, fmt.Errorf("%w: instance %d has %d values, want %d",
				tensor.ErrShapeMismatch, ids.Value(i), end-start, channels*steps)
		}
		row := seriesRow{
			instance: ids.Value(i),
			values:   append([]float32(nil), valItems[start:end]...),
		}
		if masks.IsNull(i) {
			row.mask = ones(steps)
		} else {
			ms, me := masks.ValueOffsets(i)
			if int(me-ms) != steps {
				return nil, fmt.Errorf("%w: instance %d has %d mask steps, want %d",
					tensor.ErrShapeMismatch, ids.Value(i), me-ms, steps)
			}
			row.mask = append([]float32(nil), maskItems[ms:me]...)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func ones(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = 1
	}
	return out
}
