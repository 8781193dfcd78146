package arrowio

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-tempo/internal/fusion"
)

// FusedSchema lays a fused batch out one row per (batch row, position).
func FusedSchema(dim int) *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "row", Type: arrow.PrimitiveTypes.Int32},
		{Name: "pos", Type: arrow.PrimitiveTypes.Int32},
		{Name: "mask", Type: arrow.PrimitiveTypes.Int32},
		{Name: "position_id", Type: arrow.PrimitiveTypes.Int32},
		{Name: "label", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
		{Name: "embedding", Type: arrow.FixedSizeListOf(int32(dim), arrow.PrimitiveTypes.Float32)},
	}, nil)
}

func FusedRecord(mem memory.Allocator, res *fusion.Result) arrow.Record {
	batch, fusedLen, dim := res.Embeds.Dim(0), res.Embeds.Dim(1), res.Embeds.Dim(2)
	b := array.NewRecordBuilder(mem, FusedSchema(dim))
	defer b.Release()

	rows := b.Field(0).(*array.Int32Builder)
	pos := b.Field(1).(*array.Int32Builder)
	mask := b.Field(2).(*array.Int32Builder)
	posIDs := b.Field(3).(*array.Int32Builder)
	labels := b.Field(4).(*array.Int32Builder)
	emb := b.Field(5).(*array.FixedSizeListBuilder)
	embItems := emb.ValueBuilder().(*array.Float32Builder)

	for r := 0; r < batch; r++ {
		for p := 0; p < fusedLen; p++ {
			rows.Append(int32(r))
			pos.Append(int32(p))
			mask.Append(res.AttentionMask.At(r, p))
			posIDs.Append(res.PositionIDs.At(r, p))
			if res.Labels != nil {
				labels.Append(res.Labels.At(r, p))
			} else {
				labels.AppendNull()
			}
			emb.Append(true)
			embItems.AppendValues(res.Embeds.Vec(r, p), nil)
		}
	}
	return b.NewRecord()
}
