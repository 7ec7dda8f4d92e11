package cmd

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/flarebox/internal/delivery"
	"github.com/austindbirch/flarebox/internal/diagnostics"
	"github.com/austindbirch/flarebox/internal/httpdelivery"
	"github.com/austindbirch/flarebox/internal/queue"
	"github.com/austindbirch/flarebox/internal/tasks"
)

type flushResult struct {
	Before    int `json:"before"`
	Delivered int `json:"delivered"`
	Cancelled int `json:"cancelled"`
	Dropped   int `json:"dropped"`
	Remaining int `json:"remaining"`
	Passes    int `json:"passes"`
}

// flushTally counts entries that leave the queue without being delivered.
type flushTally struct {
	cancelled atomic.Int32
	dropped   atomic.Int32
}

func (t *flushTally) onCancel(queue.Entry) { t.cancelled.Add(1) }

func (t *flushTally) OnLocalFailure(context.Context, error, queue.Entry, string) { t.dropped.Add(1) }

func newFlushCmd(ctx *commandContext) *cobra.Command {
	var (
		launch      bool
		wait        bool
		waitTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Send queued reports to the collector",
		Long: `Run one delivery pass over the queue.

With --launch the launch procedure runs first: launch crash reports are sent
while the command blocks for at most the launch wait timeout, and every other
report is cancelled, which deletes it unsent. With --wait flushing repeats on
the backoff schedule until the queue is empty or --wait-timeout elapses.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.agentConfig()
			logger := ctx.logger(cmd)

			tally := &flushTally{}
			store, err := ctx.openStore(cmd, cfg, queue.WithCancelHook(tally.onCancel))
			if err != nil {
				return err
			}
			defer store.Close()

			runner := tasks.New(
				tasks.WithLogger(logger),
				tasks.WithLane(tasks.KindDelivery, 1, cfg.Tasks.DeliveryQueueSize),
			)
			defer func() {
				drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Delivery.Timeout+time.Second)
				defer cancel()
				_ = runner.Shutdown(drainCtx)
			}()

			client := httpdelivery.New(
				httpdelivery.WithLogger(logger),
				httpdelivery.WithTimeout(cfg.Delivery.Timeout),
				httpdelivery.WithSigning(cfg.Delivery.SigningSecret, cfg.Delivery.SignatureHeader, cfg.Delivery.TimestampHeader),
			)
			events := delivery.NewEventStore(store, runner, client,
				delivery.WithConfig(delivery.Config{
					LaunchWindow: cfg.Launch.WindowDuration,
					WaitTimeout:  cfg.Launch.WaitTimeout,
					PollInterval: cfg.Launch.PollInterval,
				}),
				delivery.WithParams(delivery.DefaultParams(cfg.Delivery.Endpoint, cfg.Delivery.PayloadVersion)),
				delivery.WithDiagnostics(diagnostics.Multi{diagnostics.LogHook{Logger: logger}, tally}),
				delivery.WithLogger(logger),
			)

			res, err := runFlush(cmd.Context(), store, events, tally, flushPlan{
				launch:      launch,
				wait:        wait,
				waitTimeout: waitTimeout,
				schedule:    cfg.Flush.BackoffSchedule,
			})
			if err != nil {
				return err
			}

			if ctx.outputJSON {
				return printJSON(cmd.OutOrStdout(), res)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Delivered %d of %d reports in %d pass(es), %d cancelled, %d dropped, %d remain\n",
				res.Delivered, res.Before, res.Passes, res.Cancelled, res.Dropped, res.Remaining)
			return err
		},
	}

	cmd.Flags().BoolVar(&launch, "launch", false, "run the launch procedure before the pass")
	cmd.Flags().BoolVar(&wait, "wait", false, "repeat on the backoff schedule until the queue is empty")
	cmd.Flags().DurationVar(&waitTimeout, "wait-timeout", time.Minute, "upper bound for --wait")
	return cmd
}

type flushPlan struct {
	launch      bool
	wait        bool
	waitTimeout time.Duration
	schedule    []time.Duration
}

type flusher interface {
	FlushOnLaunch(ctx context.Context) <-chan struct{}
	FlushAsync(ctx context.Context) <-chan struct{}
}

// runFlush counts an entry as delivered only when it left the queue without
// being cancelled or dropped.
func runFlush(ctx context.Context, store *queue.Store, events flusher, tally *flushTally, plan flushPlan) (res flushResult, err error) {
	defer func() {
		res.Cancelled = int(tally.cancelled.Load())
		res.Dropped = int(tally.dropped.Load())
		res.Delivered = max(res.Before-res.Remaining-res.Cancelled-res.Dropped, 0)
	}()

	entries, err := store.List()
	if err != nil {
		return res, err
	}
	res.Before = len(entries)

	if plan.wait && plan.waitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, plan.waitTimeout)
		defer cancel()
	}

	done := events.FlushAsync
	if plan.launch {
		done = events.FlushOnLaunch
	}

	for attempt := 0; ; attempt++ {
		select {
		case <-done(ctx):
			res.Passes++
		case <-ctx.Done():
			res.Remaining = countOrBefore(store, res.Before)
			return res, nil
		}
		done = events.FlushAsync

		res.Remaining = countOrBefore(store, res.Before)
		if !plan.wait || res.Remaining == 0 {
			return res, nil
		}

		delay := backoff(attempt, plan.schedule)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return res, nil
		}
	}
}

func countOrBefore(store *queue.Store, before int) int {
	entries, err := store.List()
	if err != nil {
		return before
	}
	return len(entries)
}

func backoff(attempt int, schedule []time.Duration) time.Duration {
	if len(schedule) == 0 {
		return time.Second
	}
	if attempt >= len(schedule) {
		attempt = len(schedule) - 1
	}
	return schedule[attempt]
}
