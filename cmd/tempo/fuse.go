package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-tempo/internal/arrowio"
	"github.com/23skdu/longbow-tempo/internal/fusion"
	"github.com/23skdu/longbow-tempo/internal/model"
	"github.com/23skdu/longbow-tempo/internal/tensor"
)

func newFuseCmd(a *app) *cobra.Command {
	var (
		in      inputFlags
		outPath string
		putPath string
	)
	cmd := &cobra.Command{
		Use:   "fuse",
		Short: "Show how time-series patches are spliced into a prompt",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ids, err := in.tokens(a.cfg)
			if err != nil {
				return err
			}
			values, mask, err := in.loadSeries(ctx, a.cfg, ids)
			if err != nil {
				return err
			}
			m, err := model.NewRandom(a.cfg, in.seed)
			if err != nil {
				return err
			}
			res, _, err := m.Fuse(&model.Inputs{
				InputIDs:         ids,
				TimeSeriesValues: values,
				TimeSeriesMask:   mask,
			})
			if err != nil {
				return err
			}
			printLayout(cmd.OutOrStdout(), res, ids, int32(a.cfg.TimeSeriesTokenID))

			if outPath == "" && putPath == "" {
				return nil
			}
			rec := arrowio.FusedRecord(memory.DefaultAllocator, res)
			defer rec.Release()
			if outPath != "" {
				if err := arrowio.WriteIPCFile(outPath, rec); err != nil {
					return err
				}
			}
			if putPath != "" {
				if in.flightAddr == "" {
					return fmt.Errorf("--put needs --flight")
				}
				fc, err := in.flightClient()
				if err != nil {
					return err
				}
				if err := fc.Connect(ctx); err != nil {
					return err
				}
				defer fc.Close()
				return fc.PutFused(ctx, strings.Split(putPath, "/"), rec)
			}
			return nil
		},
	}
	in.register(cmd)
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Write the fused batch to this Arrow IPC file")
	cmd.Flags().StringVar(&putPath, "put", "", "Upload the fused batch to this Flight path (a/b/c)")
	return cmd
}

// printLayout writes one line per row: T for text, S for a series slot and
// . for masked positions, followed by the mask and position ids.
func printLayout(w io.Writer, res *fusion.Result, ids *tensor.Int32, placeholder int32) {
	fmt.Fprintf(w, "fused length %d, slots %d, left padding %v\n", res.FusedLen(), res.Slots, res.LeftPadding)
	for b := 0; b < ids.Rows(); b++ {
		mask := res.AttentionMask.Row(b)
		kinds := make([]byte, len(mask))
		for i, v := range mask {
			kinds[i] = '.'
			if v != 0 {
				kinds[i] = 'S'
			}
		}
		for j, id := range ids.Row(b) {
			p := res.TextPositions.At(b, j)
			if id != placeholder && mask[p] != 0 {
				kinds[p] = 'T'
			}
		}
		fmt.Fprintf(w, "row %d: %s mask=%v pos=%v\n", b, kinds, mask, res.PositionIDs.Row(b))
	}
}
