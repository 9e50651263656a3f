package main

// Client commands talk to a running semflow API server over HTTP. They
// render tables with text/tabwriter and never touch the database directly.

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/semflow/store"
)

var serverURL string

// addServerFlag attaches the --server flag shared by every client command.
func addServerFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "base URL of the semflow API server")
}

// ----------------------------------------------------------------------------
// HTTP client
// ----------------------------------------------------------------------------

type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient() *apiClient {
	return &apiClient{
		base: strings.TrimRight(serverURL, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) get(ctx context.Context, path string, out any) error {
	_, err := c.do(ctx, http.MethodGet, path, nil, out)
	return err
}

func (c *apiClient) post(ctx context.Context, path string, in, out any) (int, error) {
	return c.do(ctx, http.MethodPost, path, in, out)
}

func (c *apiClient) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("call %s: %w (is the server running?)", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return resp.StatusCode, fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return resp.StatusCode, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// Response envelopes, mirroring the API's list shapes.

type executionList struct {
	Executions []*store.Execution `json:"executions"`
	Count      int                `json:"count"`
}

type taskList struct {
	Tasks []*store.Task `json:"tasks"`
	Count int           `json:"count"`
}

type deadLetterList struct {
	DeadLetters []*store.DeadLetter `json:"dead_letters"`
	Count       int                 `json:"count"`
}

type workerList struct {
	Workers []*store.WorkerRecord `json:"workers"`
	Count   int                   `json:"count"`
}

type batchResult struct {
	Requeued int `json:"requeued"`
}

// ----------------------------------------------------------------------------
// trigger / cancel
// ----------------------------------------------------------------------------

func triggerCommand() *cobra.Command {
	var (
		inputJSON string
		inputFile string
		version   int
		idemKey   string
		timeout   time.Duration
		callback  string
		wait      bool
	)

	cmd := &cobra.Command{
		Use:   "trigger <workflow>",
		Short: "Start a workflow execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := resolveInput(inputJSON, inputFile)
			if err != nil {
				return err
			}

			req := map[string]any{"workflow": args[0]}
			if version > 0 {
				req["version"] = version
			}
			if input != nil {
				req["input"] = input
			}
			if idemKey != "" {
				req["idempotency_key"] = idemKey
			}
			if timeout > 0 {
				req["timeout_seconds"] = int(timeout.Seconds())
			}
			if callback != "" {
				req["callback_url"] = callback
			}

			client := newAPIClient()
			var ex store.Execution
			status, err := client.post(cmd.Context(), "/api/v1/executions", req, &ex)
			if err != nil {
				return err
			}
			if status == http.StatusOK {
				fmt.Printf("execution %s already exists for this idempotency key (status %s)\n", ex.ID, ex.Status)
			} else {
				fmt.Printf("execution %s started\n", ex.ID)
			}

			if !wait {
				return nil
			}
			final, err := waitForExecution(cmd.Context(), client, ex.ID)
			if err != nil {
				return err
			}
			printExecution(final)
			if final.Status != store.ExecutionStatusCompleted {
				return fmt.Errorf("execution finished %s", final.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&inputJSON, "input", "i", "", "input payload as a JSON object")
	cmd.Flags().StringVarP(&inputFile, "input-file", "f", "", "read the input payload from a file ('-' for stdin)")
	cmd.Flags().IntVar(&version, "version", 0, "workflow version (default: latest)")
	cmd.Flags().StringVar(&idemKey, "idempotency-key", "", "deduplicate triggers carrying the same key")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "execution timeout, e.g. 30m (default: server setting)")
	cmd.Flags().StringVar(&callback, "callback-url", "", "webhook URL notified when the execution finishes")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "poll until the execution reaches a terminal status")
	addServerFlag(cmd)
	return cmd
}

func resolveInput(inputJSON, inputFile string) (map[string]any, error) {
	if inputJSON != "" && inputFile != "" {
		return nil, fmt.Errorf("--input and --input-file are mutually exclusive")
	}
	raw := inputJSON
	if inputFile != "" {
		var data []byte
		var err error
		if inputFile == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(inputFile)
		}
		if err != nil {
			return nil, fmt.Errorf("read input: %w", err)
		}
		raw = string(data)
	}
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return nil, fmt.Errorf("input must be a JSON object: %w", err)
	}
	return input, nil
}

// waitForExecution polls until the execution is terminal or the context is
// cancelled.
func waitForExecution(ctx context.Context, client *apiClient, id string) (*store.Execution, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		var ex store.Execution
		if err := client.get(ctx, "/api/v1/executions/"+url.PathEscape(id), &ex); err != nil {
			return nil, err
		}
		if ex.Terminal() {
			return &ex, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func cancelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Cancel an execution and its pending tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ex store.Execution
			path := "/api/v1/executions/" + url.PathEscape(args[0]) + "/cancel"
			if _, err := newAPIClient().post(cmd.Context(), path, nil, &ex); err != nil {
				return err
			}
			fmt.Printf("execution %s is now %s\n", ex.ID, ex.Status)
			return nil
		},
	}
	addServerFlag(cmd)
	return cmd
}

// ----------------------------------------------------------------------------
// executions
// ----------------------------------------------------------------------------

func executionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "executions",
		Short: "Inspect workflow executions",
	}
	addServerFlag(cmd)

	var (
		workflow string
		status   string
		limit    int
		offset   int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List executions, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if workflow != "" {
				q.Set("workflow", workflow)
			}
			if status != "" {
				q.Set("status", strings.ToUpper(status))
			}
			if limit > 0 {
				q.Set("limit", fmt.Sprint(limit))
			}
			if offset > 0 {
				q.Set("offset", fmt.Sprint(offset))
			}

			var out executionList
			if err := newAPIClient().get(cmd.Context(), "/api/v1/executions?"+q.Encode(), &out); err != nil {
				return err
			}
			printExecutionTable(out.Executions)
			return nil
		},
	}
	list.Flags().StringVar(&workflow, "workflow", "", "filter by workflow name")
	list.Flags().StringVar(&status, "status", "", "filter by status (PENDING, RUNNING, COMPLETED, FAILED, CANCELLED, TIMED_OUT)")
	list.Flags().IntVar(&limit, "limit", 0, "page size (default 50)")
	list.Flags().IntVar(&offset, "offset", 0, "rows to skip")

	get := &cobra.Command{
		Use:   "get <execution-id>",
		Short: "Show one execution in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ex store.Execution
			if err := newAPIClient().get(cmd.Context(), "/api/v1/executions/"+url.PathEscape(args[0]), &ex); err != nil {
				return err
			}
			printExecution(&ex)
			return nil
		},
	}

	tasks := &cobra.Command{
		Use:   "tasks <execution-id>",
		Short: "List the tasks of an execution in step order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out taskList
			path := "/api/v1/executions/" + url.PathEscape(args[0]) + "/tasks"
			if err := newAPIClient().get(cmd.Context(), path, &out); err != nil {
				return err
			}
			w := newTable()
			fmt.Fprintln(w, "ID\tSTEP\tTYPE\tSTATUS\tATTEMPT\tLOCKED BY\tERROR")
			for _, t := range out.Tasks {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
					t.ID, t.StepName, t.StepType, t.Status, t.Attempt, t.MaxAttempts,
					strOrDash(t.LockedBy), truncate(strOrDash(t.Error), 48))
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(list, get, tasks)
	return cmd
}

func printExecutionTable(rows []*store.Execution) {
	w := newTable()
	fmt.Fprintln(w, "ID\tWORKFLOW\tVER\tSTATUS\tSTARTED\tCOMPLETED\tERROR")
	for _, ex := range rows {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			ex.ID, ex.WorkflowName, ex.WorkflowVersion, ex.Status,
			timeOrDash(ex.StartedAt), timeOrDash(ex.CompletedAt),
			truncate(strOrDash(ex.Error), 48))
	}
	_ = w.Flush()
}

func printExecution(ex *store.Execution) {
	fmt.Printf("ID:             %s\n", ex.ID)
	fmt.Printf("Workflow:       %s (version %d)\n", ex.WorkflowName, ex.WorkflowVersion)
	fmt.Printf("Status:         %s\n", ex.Status)
	if ex.CurrentStep != nil {
		fmt.Printf("Current step:   %s\n", *ex.CurrentStep)
	}
	fmt.Printf("Created:        %s\n", ex.CreatedAt.Local().Format(time.RFC3339))
	fmt.Printf("Started:        %s\n", timeOrDash(ex.StartedAt))
	fmt.Printf("Completed:      %s\n", timeOrDash(ex.CompletedAt))
	if ex.Error != nil {
		fmt.Printf("Error:          %s\n", *ex.Error)
	}
	if ex.CallbackURL != nil {
		status := "PENDING"
		if ex.CallbackStatus != nil {
			status = string(*ex.CallbackStatus)
		}
		fmt.Printf("Callback:       %s (%s)\n", *ex.CallbackURL, status)
	}
	printJSONField("Input", ex.Input)
	printJSONField("Output", ex.Output)
}

func printJSONField(label string, m store.JSONMap) {
	if len(m) == 0 {
		return
	}
	data, err := json.MarshalIndent(m, "  ", "  ")
	if err != nil {
		return
	}
	fmt.Printf("%s:\n  %s\n", label, string(data))
}

// ----------------------------------------------------------------------------
// dead letters
// ----------------------------------------------------------------------------

func dlqCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and reprocess dead-lettered tasks",
	}
	addServerFlag(cmd)

	var (
		workflow    string
		execution   string
		step        string
		reprocessed bool
		limit       int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead letter entries, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if workflow != "" {
				q.Set("workflow", workflow)
			}
			if execution != "" {
				q.Set("execution", execution)
			}
			if step != "" {
				q.Set("step", step)
			}
			if reprocessed {
				q.Set("include_reprocessed", "true")
			}
			if limit > 0 {
				q.Set("limit", fmt.Sprint(limit))
			}

			var out deadLetterList
			if err := newAPIClient().get(cmd.Context(), "/api/v1/dead-letters?"+q.Encode(), &out); err != nil {
				return err
			}
			w := newTable()
			fmt.Fprintln(w, "ID\tWORKFLOW\tSTEP\tEXECUTION\tATTEMPTS\tREPROCESSED\tERROR")
			for _, dl := range out.DeadLetters {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%t\t%s\n",
					dl.ID, dl.WorkflowName, dl.StepName, dl.ExecutionID,
					dl.Attempts, dl.Reprocessed, truncate(strOrDash(dl.Error), 48))
			}
			return w.Flush()
		},
	}
	list.Flags().StringVar(&workflow, "workflow", "", "filter by workflow name")
	list.Flags().StringVar(&execution, "execution", "", "filter by execution id")
	list.Flags().StringVar(&step, "step", "", "filter by step name")
	list.Flags().BoolVar(&reprocessed, "include-reprocessed", false, "include entries already requeued")
	list.Flags().IntVar(&limit, "limit", 0, "page size (default 50)")

	var (
		batchWorkflow  string
		batchExecution string
		batchStep      string
		batchLimit     int
	)
	reprocess := &cobra.Command{
		Use:   "reprocess [dead-letter-id]",
		Short: "Requeue dead-lettered tasks with a fresh retry budget",
		Long: `With an id, requeues that single entry. Without one, requeues every
entry matching the --workflow/--execution/--step filters, up to --limit.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient()
			if len(args) == 1 {
				var task store.Task
				path := "/api/v1/dead-letters/" + url.PathEscape(args[0]) + "/reprocess"
				if _, err := client.post(cmd.Context(), path, nil, &task); err != nil {
					return err
				}
				fmt.Printf("requeued as task %s (step %s, status %s)\n", task.ID, task.StepName, task.Status)
				return nil
			}

			req := map[string]any{}
			if batchWorkflow != "" {
				req["workflow"] = batchWorkflow
			}
			if batchExecution != "" {
				req["execution_id"] = batchExecution
			}
			if batchStep != "" {
				req["step"] = batchStep
			}
			if batchLimit > 0 {
				req["limit"] = batchLimit
			}
			var out batchResult
			if _, err := client.post(cmd.Context(), "/api/v1/dead-letters/reprocess", req, &out); err != nil {
				return err
			}
			fmt.Printf("requeued %d dead letter entries\n", out.Requeued)
			return nil
		},
	}
	reprocess.Flags().StringVar(&batchWorkflow, "workflow", "", "batch: filter by workflow name")
	reprocess.Flags().StringVar(&batchExecution, "execution", "", "batch: filter by execution id")
	reprocess.Flags().StringVar(&batchStep, "step", "", "batch: filter by step name")
	reprocess.Flags().IntVar(&batchLimit, "limit", 0, "batch: cap entries requeued per call (default 100)")

	cmd.AddCommand(list, reprocess)
	return cmd
}

// ----------------------------------------------------------------------------
// workers / status
// ----------------------------------------------------------------------------

func workersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "List registered worker instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out workerList
			if err := newAPIClient().get(cmd.Context(), "/api/v1/workers", &out); err != nil {
				return err
			}
			printWorkerTable(out.Workers)
			return nil
		},
	}
	addServerFlag(cmd)
	return cmd
}

func statusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show server health, workers, and recent executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient()
			ctx := cmd.Context()

			ready := "ready"
			if err := client.get(ctx, "/readyz", nil); err != nil {
				ready = fmt.Sprintf("NOT READY (%v)", err)
			}
			fmt.Printf("Server:  %s\n", serverURL)
			fmt.Printf("Health:  %s\n\n", ready)

			var workers workerList
			if err := client.get(ctx, "/api/v1/workers", &workers); err != nil {
				return err
			}
			fmt.Printf("Workers (%d):\n", workers.Count)
			printWorkerTable(workers.Workers)

			var recent executionList
			if err := client.get(ctx, "/api/v1/executions?limit=10", &recent); err != nil {
				return err
			}
			fmt.Printf("\nRecent executions:\n")
			printExecutionTable(recent.Executions)
			return nil
		},
	}
	addServerFlag(cmd)
	return cmd
}

func printWorkerTable(rows []*store.WorkerRecord) {
	w := newTable()
	fmt.Fprintln(w, "WORKER ID\tHOSTNAME\tSTATUS\tACTIVE\tCONCURRENCY\tLAST HEARTBEAT")
	for _, wk := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
			wk.WorkerID, wk.Hostname, wk.Status, wk.ActiveTasks, wk.Concurrency,
			wk.LastHeartbeat.Local().Format(time.RFC3339))
	}
	_ = w.Flush()
}

// ----------------------------------------------------------------------------
// table helpers
// ----------------------------------------------------------------------------

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

func timeOrDash(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func strOrDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
