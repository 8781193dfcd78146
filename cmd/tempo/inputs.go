package main

import (
	"context"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-tempo/internal/arrowio"
	"github.com/23skdu/longbow-tempo/internal/config"
	"github.com/23skdu/longbow-tempo/internal/logger"
	"github.com/23skdu/longbow-tempo/internal/tensor"
)

// inputFlags are shared by every command that builds a fused batch.
type inputFlags struct {
	ids        string
	seriesPath string
	flightAddr string
	ticket     string
	seed       int64
	bos        bool
}

func (f *inputFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.ids, "ids", "", "Token ids; commas separate tokens, semicolons separate rows")
	cmd.Flags().StringVar(&f.seriesPath, "series", "", "Arrow IPC file holding one time series per placeholder")
	cmd.Flags().StringVar(&f.flightAddr, "flight", "", "Flight server host:port to fetch series from")
	cmd.Flags().StringVar(&f.ticket, "ticket", "series", "Flight ticket used with --flight")
	cmd.Flags().Int64Var(&f.seed, "seed", 1, "Seed for the randomly initialised model weights")
	cmd.Flags().BoolVar(&f.bos, "bos", false, "Prepend the configured BOS token to every row")
	_ = cmd.MarkFlagRequired("ids")
}

// parseIDs reads "1,2,3;4,5,6" into a [B, L] batch.
func parseIDs(s string) (*tensor.Int32, error) {
	var rows [][]int32
	for _, row := range strings.Split(strings.TrimSpace(s), ";") {
		var ids []int32
		for _, tok := range strings.Split(row, ",") {
			tok = strings.TrimSpace(tok)
			if tok == "" {
				continue
			}
			v, err := strconv.ParseInt(tok, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("bad token id %q: %w", tok, err)
			}
			ids = append(ids, int32(v))
		}
		if len(ids) == 0 {
			return nil, fmt.Errorf("empty row in %q", s)
		}
		rows = append(rows, ids)
	}
	return tensor.Int32FromRows(rows)
}

// tokens parses --ids and, with --bos, prepends cfg.BOSTokenID to each row.
func (f *inputFlags) tokens(cfg config.Config) (*tensor.Int32, error) {
	ids, err := parseIDs(f.ids)
	if err != nil {
		return nil, err
	}
	if !f.bos {
		return ids, nil
	}
	return prependBOS(ids, int32(cfg.BOSTokenID))
}

func prependBOS(ids *tensor.Int32, bos int32) (*tensor.Int32, error) {
	return tensor.FullInt32(ids.Rows(), 1, bos).ConcatCols(ids)
}

// loadSeries resolves the time series for ids: an IPC file, a Flight
// ticket, or a synthetic sine per placeholder when neither is given.
func (f *inputFlags) loadSeries(ctx context.Context, cfg config.Config, ids *tensor.Int32) (*tensor.Tensor, *tensor.Tensor, error) {
	switch {
	case f.seriesPath != "":
		return arrowio.ReadIPCFile(f.seriesPath, cfg.Channels, cfg.SeqLen)
	case f.flightAddr != "":
		fc, err := f.flightClient()
		if err != nil {
			return nil, nil, err
		}
		return fetchSeries(ctx, fc, f.ticket, cfg)
	}

	n := ids.Count(int32(cfg.TimeSeriesTokenID))
	if n == 0 {
		return nil, nil, nil
	}
	logger.Log.Info("no series given, using synthetic sine waves", "instances", n)
	return sineSeries(n, cfg.Channels, cfg.SeqLen), nil, nil
}

func (f *inputFlags) flightClient() (*arrowio.FlightClient, error) {
	host, p, err := net.SplitHostPort(f.flightAddr)
	if err != nil {
		return nil, fmt.Errorf("bad --flight address: %w", err)
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return nil, fmt.Errorf("bad --flight port: %w", err)
	}
	return arrowio.NewFlightClient(host, port), nil
}

func fetchSeries(ctx context.Context, store arrowio.SeriesStore, ticket string, cfg config.Config) (*tensor.Tensor, *tensor.Tensor, error) {
	if err := store.Connect(ctx); err != nil {
		return nil, nil, err
	}
	defer store.Close()
	return store.FetchSeries(ctx, ticket, cfg.Channels, cfg.SeqLen)
}

func sineSeries(n, channels, steps int) *tensor.Tensor {
	v := tensor.New(n, channels, steps)
	for i := 0; i < n; i++ {
		for c := 0; c < channels; c++ {
			row := v.Vec(i, c)
			for t := range row {
				row[t] = float32(math.Sin(2 * math.Pi * float64(t) / float64(steps) * float64(i+c+1)))
			}
		}
	}
	return v
}
