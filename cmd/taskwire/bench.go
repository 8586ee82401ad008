package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/xqbumu/go-taskwire"
	"github.com/xqbumu/go-taskwire/compute"
	"github.com/xqbumu/go-taskwire/config"
)

type benchOptions struct {
	clients int
	tasks   int
	kind    string
}

func newBenchCmd(root *rootOptions) *cobra.Command {
	opts := benchOptions{}

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Load a task server with concurrent clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := taskwire.ParseTaskKind(opts.kind)
			if err != nil {
				return err
			}
			if opts.clients < 1 || opts.tasks < 1 {
				return fmt.Errorf("--clients and --tasks must be at least 1")
			}
			cfg, _, err := root.loadConfig(cmd, map[string]string{"client.addr": "addr"})
			if err != nil {
				return err
			}

			pterm.Info.Printfln("Running %d clients x %d %s tasks against %s", opts.clients, opts.tasks, kind, cfg.Client.Addr)
			report, err := runBench(cmd.Context(), cfg, kind, opts.clients, opts.tasks)
			if err != nil {
				return err
			}
			return report.render()
		},
	}

	cmd.Flags().String("addr", "", "server address (host:port)")
	cmd.Flags().IntVarP(&opts.clients, "clients", "c", 5, "number of concurrent clients")
	cmd.Flags().IntVarP(&opts.tasks, "tasks", "n", 10, "tasks per client")
	cmd.Flags().StringVarP(&opts.kind, "kind", "k", string(taskwire.TaskGenerateArray), "task kind to submit")
	return cmd
}

type benchReport struct {
	clients   int
	succeeded int
	failed    int
	errors    int
	elapsed   time.Duration
	latencies []time.Duration
}

func (r *benchReport) render() error {
	total := r.succeeded + r.failed + r.errors
	data := pterm.TableData{
		{"Metric", "Value"},
		{"Clients", fmt.Sprint(r.clients)},
		{"Tasks", fmt.Sprint(total)},
		{"Succeeded", fmt.Sprint(r.succeeded)},
		{"Failed", fmt.Sprint(r.failed)},
		{"Transport errors", fmt.Sprint(r.errors)},
		{"Wall time", r.elapsed.Round(time.Millisecond).String()},
	}
	if r.elapsed > 0 {
		data = append(data, []string{"Throughput", fmt.Sprintf("%.2f tasks/s", float64(total)/r.elapsed.Seconds())})
	}
	if lo, hi, ok := compute.MinMax(r.latencies); ok {
		var sum time.Duration
		for _, l := range r.latencies {
			sum += l
		}
		avg := sum / time.Duration(len(r.latencies))
		data = append(data,
			[]string{"Latency min", lo.Round(time.Millisecond).String()},
			[]string{"Latency avg", avg.Round(time.Millisecond).String()},
			[]string{"Latency max", hi.Round(time.Millisecond).String()},
		)
	}
	return pterm.DefaultTable.WithHasHeader(true).WithBoxed(false).WithData(data).Render()
}

// runBench connects every client first, then lets each submit its tasks
// sequentially. A failed connect aborts the run; task failures are counted.
func runBench(ctx context.Context, cfg *config.Config, kind taskwire.TaskKind, clients, tasks int) (*benchReport, error) {
	sessions := make([]*taskwire.Client, clients)
	defer func() {
		for _, c := range sessions {
			if c != nil {
				c.Disconnect()
			}
		}
	}()

	var connect errgroup.Group
	for i := range sessions {
		connect.Go(func() error {
			c := taskwire.NewClient(cfg.Client.Addr, append(cfg.ClientOptions(nil), taskwire.WithName(fmt.Sprintf("bench-%d", i)))...)
			if err := c.Connect(cfg.Client.ConnectTimeout); err != nil {
				return fmt.Errorf("client %d: %w", i, err)
			}
			sessions[i] = c
			return nil
		})
	}
	if err := connect.Wait(); err != nil {
		return nil, err
	}

	report := &benchReport{clients: clients}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	start := time.Now()
	for _, c := range sessions {
		g.Go(func() error {
			for j := 0; j < tasks; j++ {
				began := time.Now()
				resp, err := c.ExecuteTask(gctx, kind, nil)
				took := time.Since(began)

				mu.Lock()
				switch {
				case err != nil:
					report.errors++
				case resp.Success:
					report.succeeded++
					report.latencies = append(report.latencies, took)
				default:
					report.failed++
				}
				mu.Unlock()

				if errors.Is(err, context.Canceled) || errors.Is(err, taskwire.ErrNotConnected) {
					return err
				}
			}
			return nil
		})
	}
	err := g.Wait()
	report.elapsed = time.Since(start)
	if err != nil && !errors.Is(err, context.Canceled) {
		return report, err
	}
	return report, nil
}
