package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-tempo/internal/logger"
	"github.com/23skdu/longbow-tempo/internal/model"
	"github.com/23skdu/longbow-tempo/internal/monitoring"
	"github.com/23skdu/longbow-tempo/internal/sampler"
)

func newGenerateCmd(a *app) *cobra.Command {
	var (
		in          inputFlags
		maxNew      int
		samp        sampler.Config
		ignoreEOS   bool
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Decode new tokens for a prompt with spliced time series",
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

			hm := monitoring.NewHealthMonitor(a.cfg)
			run := func(ctx context.Context) error {
				start := time.Now()
				res, err := m.Generate(ctx, &model.GenerateRequest{
					InputIDs:         ids,
					TimeSeriesValues: values,
					TimeSeriesMask:   mask,
					MaxNewTokens:     maxNew,
					Sampler:          samp,
					IgnoreEOS:        ignoreEOS,
				})
				if err != nil {
					hm.RecordGeneration(0, time.Since(start), err)
					return err
				}
				total := 0
				for b, toks := range res.Tokens {
					total += len(toks)
					fmt.Fprintf(cmd.OutOrStdout(), "row %d: %v\n", b, toks)
				}
				hm.RecordGeneration(total, time.Since(start), nil)
				logger.Log.Info("generation done", "steps", res.Steps, "elapsed", time.Since(start))
				return nil
			}
			if metricsAddr == "" {
				return run(ctx)
			}
			return withMetricsServer(ctx, metricsAddr, hm, run)
		},
	}
	in.register(cmd)
	cmd.Flags().IntVarP(&maxNew, "max-new-tokens", "n", 20, "Number of tokens to generate")
	cmd.Flags().Float64Var(&samp.Temperature, "temperature", 0, "Sampling temperature; 0 is greedy")
	cmd.Flags().IntVar(&samp.TopK, "top-k", 0, "Keep only the k most likely tokens")
	cmd.Flags().Float64Var(&samp.TopP, "top-p", 1, "Nucleus sampling threshold")
	cmd.Flags().Float64Var(&samp.RepPenalty, "repeat-penalty", 1, "Penalty for recently generated tokens")
	cmd.Flags().Int64Var(&samp.Seed, "sample-seed", 0, "Sampler seed; 0 picks one from the clock")
	cmd.Flags().BoolVar(&ignoreEOS, "ignore-eos", false, "Keep generating past the end-of-sequence token")
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "Serve Prometheus metrics on this address while generating")
	return cmd
}

// withMetricsServer runs fn while /metrics and the health endpoints are
// served on addr.
func withMetricsServer(ctx context.Context, addr string, hm *monitoring.HealthMonitor, fn func(context.Context) error) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Log.Info("metrics serving", "addr", addr+"/metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		err := fn(ctx)
		if err == nil {
			// stop the server without failing the group
			err = errDone
		}
		return err
	})
	if err := g.Wait(); err != nil && !errors.Is(err, errDone) {
		return err
	}
	return nil
}

var errDone = errors.New("done")
