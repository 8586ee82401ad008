package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/xqbumu/go-taskwire"
	"github.com/xqbumu/go-taskwire/config"
)

var clientBindings = map[string]string{
	"client.addr":             "addr",
	"client.name":             "name",
	"client.response_timeout": "timeout",
}

func newClientCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Submit tasks to a task server",
	}
	cmd.PersistentFlags().String("addr", "", "server address (host:port)")
	cmd.PersistentFlags().String("name", "", "client display name")
	cmd.PersistentFlags().Duration("timeout", 0, "how long to wait for each response")

	cmd.AddCommand(newClientRunCmd(root), newClientBatchCmd(root))
	return cmd
}

func newClientRunCmd(root *rootOptions) *cobra.Command {
	var params string

	cmd := &cobra.Command{
		Use:       "run <task_kind>",
		Short:     "Execute a single task and print its result",
		Args:      cobra.ExactArgs(1),
		ValidArgs: taskKindNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := taskwire.ParseTaskKind(args[0])
			if err != nil {
				return err
			}
			var p any
			if params != "" {
				if !json.Valid([]byte(params)) {
					return fmt.Errorf("--params is not valid JSON")
				}
				p = json.RawMessage(params)
			}

			cfg, _, err := root.loadConfig(cmd, clientBindings)
			if err != nil {
				return err
			}
			c, cleanup, err := connectClient(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			resp, err := c.ExecuteTask(cmd.Context(), kind, p)
			if err != nil {
				return err
			}
			return printResponse(kind, resp)
		},
	}
	cmd.Flags().StringVarP(&params, "params", "p", "", "task parameters as a JSON object")
	return cmd
}

// batchFile is the YAML layout read by "client batch".
type batchFile struct {
	Tasks []batchTask `yaml:"tasks"`
}

type batchTask struct {
	Kind       string         `yaml:"kind"`
	Parameters map[string]any `yaml:"parameters"`
}

func readBatchFile(path string) ([]taskwire.TaskRequest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f batchFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(f.Tasks) == 0 {
		return nil, fmt.Errorf("%s contains no tasks", path)
	}

	reqs := make([]taskwire.TaskRequest, 0, len(f.Tasks))
	for i, t := range f.Tasks {
		kind, err := taskwire.ParseTaskKind(t.Kind)
		if err != nil {
			return nil, fmt.Errorf("task %d: %w", i+1, err)
		}
		var params any
		if t.Parameters != nil {
			params = t.Parameters
		}
		req, err := taskwire.NewTaskRequest(kind, params)
		if err != nil {
			return nil, fmt.Errorf("task %d: %w", i+1, err)
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

type batchResult struct {
	req  taskwire.TaskRequest
	resp *taskwire.TaskResponse
	err  error
}

func newClientBatchCmd(root *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "batch <file.yaml>",
		Short: "Submit every task of a YAML file asynchronously and wait for all results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reqs, err := readBatchFile(args[0])
			if err != nil {
				return err
			}
			cfg, _, err := root.loadConfig(cmd, clientBindings)
			if err != nil {
				return err
			}
			c, cleanup, err := connectClient(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			if timeout <= 0 {
				timeout = batchTimeout(cfg.Client.ResponseTimeout, len(reqs))
			}
			results := runBatch(cmd.Context(), c, reqs, timeout)
			return printBatch(results)
		},
	}
	cmd.Flags().DurationVar(&timeout, "batch-timeout", 0, "deadline for the whole batch (default response timeout per task)")
	return cmd
}

// batchTimeout allows each task its own response timeout.
// Tasks of one session are served in order, so the last answer may wait on all earlier ones.
func batchTimeout(perTask time.Duration, n int) time.Duration {
	return perTask * time.Duration(max(n, 1))
}

// runBatch submits all requests at once and collects the callbacks until
// every task answered or timeout elapsed.
func runBatch(ctx context.Context, c *taskwire.Client, reqs []taskwire.TaskRequest, timeout time.Duration) []batchResult {
	type answer struct {
		index int
		resp  *taskwire.TaskResponse
	}

	results := make([]batchResult, len(reqs))
	answers := make(chan answer, len(reqs))
	pending := 0
	for i, req := range reqs {
		results[i] = batchResult{req: req, err: taskwire.ErrResponseTimeout}
		_, err := c.ExecuteTaskAsync(req.Kind, req.Parameters, func(resp *taskwire.TaskResponse) {
			answers <- answer{index: i, resp: resp}
		})
		if err != nil {
			results[i].err = err
			continue
		}
		pending++
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for ; pending > 0; pending-- {
		select {
		case a := <-answers:
			results[a.index].resp = a.resp
			results[a.index].err = nil
		case <-ctx.Done():
			return results
		}
	}
	return results
}

func connectClient(cfg *config.Config) (*taskwire.Client, func(), error) {
	logger, err := setupLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	c := taskwire.NewClient(cfg.Client.Addr, cfg.ClientOptions(logger.Logger)...)
	if err := c.Connect(cfg.Client.ConnectTimeout); err != nil {
		logger.Close()
		return nil, nil, fmt.Errorf("connect to %s: %w", cfg.Client.Addr, err)
	}
	pterm.Debug.Printfln("Connected to %s as %s (%s)", cfg.Client.Addr, c.Name(), c.ID())
	return c, func() {
		c.Disconnect()
		logger.Close()
	}, nil
}

func printResponse(kind taskwire.TaskKind, resp *taskwire.TaskResponse) error {
	if !resp.Success {
		pterm.Error.Printfln("%s failed after %.3fs: %s", kind, resp.ExecutionTime, resp.ErrorMessage)
		return fmt.Errorf("task %s failed", kind)
	}

	pterm.Success.Printfln("%s completed in %.3fs", kind, resp.ExecutionTime)
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(resp.Result, &fields); err != nil {
		pterm.Println(string(resp.Result))
		return nil
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	data := pterm.TableData{{"Field", "Value"}}
	for _, k := range keys {
		data = append(data, []string{k, string(fields[k])})
	}
	return pterm.DefaultTable.WithHasHeader(true).WithBoxed(false).WithData(data).Render()
}

func printBatch(results []batchResult) error {
	data := pterm.TableData{{"#", "Task", "Status", "Time (s)", "Detail"}}
	failed := 0
	for i, r := range results {
		row := []string{strconv.Itoa(i + 1), r.req.Describe()}
		switch {
		case r.err != nil:
			failed++
			row = append(row, "error", "-", r.err.Error())
		case !r.resp.Success:
			failed++
			row = append(row, "failed", fmt.Sprintf("%.3f", r.resp.ExecutionTime), r.resp.ErrorMessage)
		default:
			row = append(row, "ok", fmt.Sprintf("%.3f", r.resp.ExecutionTime), "")
		}
		data = append(data, row)
	}
	if err := pterm.DefaultTable.WithHasHeader(true).WithBoxed(false).WithData(data).Render(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d tasks failed", failed, len(results))
	}
	pterm.Success.Printfln("All %d tasks succeeded", len(results))
	return nil
}

func taskKindNames() []string {
	names := make([]string, len(taskwire.TaskKinds))
	for i, k := range taskwire.TaskKinds {
		names[i] = string(k)
	}
	return names
}
