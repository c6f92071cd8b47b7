package main

import (
	"fmt"
	"time"

	"github.com/fotonphotos/candlepipe/internal/adminapi"
	"github.com/fotonphotos/candlepipe/internal/candle"
	"github.com/spf13/cobra"
)

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "run the live ingestion pipeline until a shutdown signal is received",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := &App{}
			if err := app.initialize(*configPath); err != nil {
				return err
			}
			if err := app.start(); err != nil {
				return err
			}
			app.waitForShutdown()
			return app.shutdown()
		},
	}
}

func parseMarket(s string) (candle.Market, error) {
	switch s {
	case "SPOT", "spot":
		return candle.Spot, nil
	case "FUTURES", "futures":
		return candle.Futures, nil
	default:
		return 0, fmt.Errorf("unknown market %q, expected SPOT or FUTURES", s)
	}
}

func newBackfillCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "reconcile historical candles against the upstream REST API",
	}

	all := &cobra.Command{
		Use:   "all <symbol> <market>",
		Short: "backfill the full available history for a symbol",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			market, err := parseMarket(args[1])
			if err != nil {
				return err
			}
			app := &App{}
			if err := app.initialize(*configPath); err != nil {
				return err
			}
			defer app.closeOneShot()
			result, err := app.admin.BackfillAll(app.ctx, args[0], market)
			if err != nil {
				return err
			}
			printBackfillResult(result)
			return nil
		},
	}

	rangeCmd := &cobra.Command{
		Use:   "range <symbol> <market> <startRFC3339> <endRFC3339>",
		Short: "backfill a specific time window for a symbol",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			market, err := parseMarket(args[1])
			if err != nil {
				return err
			}
			start, err := time.Parse(time.RFC3339, args[2])
			if err != nil {
				return fmt.Errorf("invalid start time: %w", err)
			}
			end, err := time.Parse(time.RFC3339, args[3])
			if err != nil {
				return fmt.Errorf("invalid end time: %w", err)
			}
			app := &App{}
			if err := app.initialize(*configPath); err != nil {
				return err
			}
			defer app.closeOneShot()
			result, err := app.admin.BackfillRange(app.ctx, args[0], market, start, end)
			if err != nil {
				return err
			}
			printBackfillResult(result)
			return nil
		},
	}

	cmd.AddCommand(all, rangeCmd)
	return cmd
}

func printBackfillResult(result adminapi.BackfillSummary) {
	fmt.Printf("success=%v total=%d new=%d duplicate=%d window=[%s,%s] duration=%dms errors=%v\n",
		result.Success, result.TotalCandles, result.NewCandles, result.DuplicateCandles,
		result.WindowStart.Format(time.RFC3339), result.WindowEnd.Format(time.RFC3339),
		result.DurationMs, result.Errors)
}

func newStatsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats [symbol] [market]",
		Short: "print aggregate statistics, or per-symbol data stats if symbol/market are given",
		Args:  cobra.RangeArgs(0, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := &App{}
			if err := app.initialize(*configPath); err != nil {
				return err
			}
			defer app.closeOneShot()
			if len(args) == 0 {
				stats, err := app.admin.Statistics(app.ctx)
				if err != nil {
					return err
				}
				for key, count := range stats.TotalCandlesPerKey {
					fmt.Printf("%s: %d candles (first=%s last=%s)\n",
						key, count, stats.FirstTime[key].Format(time.RFC3339), stats.LastTime[key].Format(time.RFC3339))
				}
				return nil
			}
			if len(args) != 2 {
				return fmt.Errorf("stats for a single symbol requires both symbol and market")
			}
			market, err := parseMarket(args[1])
			if err != nil {
				return err
			}
			ds, err := app.admin.DataStats(app.ctx, args[0], market)
			if err != nil {
				return err
			}
			fmt.Printf("%s cache_depth=%d\n", ds.Key, ds.CacheDepth)
			return nil
		},
	}
}

func newSubscribeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "subscribe <symbol> <market>",
		Short: "bring a symbol under live management without restarting the process",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			market, err := parseMarket(args[1])
			if err != nil {
				return err
			}
			app := &App{}
			if err := app.initialize(*configPath); err != nil {
				return err
			}
			defer app.closeOneShot()
			return app.admin.Subscribe(app.ctx, args[0], market)
		},
	}
}

func newUnsubscribeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "unsubscribe <symbol> <market>",
		Short: "stop live management of a symbol",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			market, err := parseMarket(args[1])
			if err != nil {
				return err
			}
			app := &App{}
			if err := app.initialize(*configPath); err != nil {
				return err
			}
			defer app.closeOneShot()
			return app.admin.Unsubscribe(app.ctx, args[0], market)
		},
	}
}
