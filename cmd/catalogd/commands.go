package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/catalogd/internal/api"
	"github.com/kalambet/catalogd/internal/config"
	"github.com/kalambet/catalogd/internal/ingest"
	"github.com/kalambet/catalogd/internal/recompute"
	"github.com/kalambet/catalogd/internal/storage"
)

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show catalog counts and task state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	client.httpClient.Timeout = 2 * time.Second

	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	}
	resp.Body.Close()
	printStatus("Server", "running on port %d", cfg.Server.Port)

	status, err := fetchStatus(ctx, client)
	if err != nil {
		return err
	}
	printStatusReport(status)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func fetchStatus(ctx context.Context, client *apiClient) (api.StatusResponse, error) {
	var status api.StatusResponse
	resp, err := client.get(ctx, "/status")
	if err != nil {
		return status, err
	}
	err = decodeJSON(resp, &status)
	return status, err
}

func printStatusReport(status api.StatusResponse) {
	printStatus("Version", "%s", status.Version)
	printStatus("Database", "%s", status.Database)
	if st := status.Stats; st != nil {
		printStatus("Records", "%d", st.Total)
		printStatus("Embedded", "%s", progressLabel(st.Embedded, st.Total))
		printStatus("Vectorized", "%s", progressLabel(st.Vectorized, st.Total))
		printStatus("Clustered", "%s", progressLabel(st.Clustered, st.Total))
		printStatus("Images", "%s", progressLabel(st.Images, st.Total))
	}
	for _, t := range status.Tasks {
		printStatus(t.Name, "%s", taskLabel(t))
	}
}

func progressLabel(done, total int) string {
	if total == 0 {
		return "0"
	}
	return fmt.Sprintf("%d/%d (%.0f%%)", done, total, 100*float64(done)/float64(total))
}

func taskLabel(t recompute.TaskStatus) string {
	label := t.Schedule
	if t.Running {
		label += ", " + colorize(colorCyan, "running")
	}
	if p := t.LastPass; p != nil {
		if p.Err != "" {
			label += fmt.Sprintf(", last pass failed: %s", p.Err)
		} else {
			label += fmt.Sprintf(", last pass wrote %d/%d at %s", p.Written, p.Selected, p.Finished.Format(time.DateTime))
		}
	}
	return label
}

// --- load ---

var loadCmd = &cobra.Command{
	Use:   "load <file.jsonl>",
	Short: "Load catalog records from a JSONL file",
	Long: `Load catalog records from a JSONL file, one record per line.

Both the catalogd layout (title, author, publisher, ...) and the scraper
export layout (product_title, editeur, date_de_parution, ...) are accepted.
Records already in the catalog are counted as duplicates.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		batch, _ := cmd.Flags().GetInt("batch-size")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := storage.Open(storageOptions(cfg))
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		report, err := loadFile(cmd.Context(), store, args[0], batch)
		if err != nil {
			return err
		}
		printSuccess("Loaded %s: %d read, %d inserted, %d duplicates, %d invalid",
			args[0], report.Read, report.Inserted, report.Duplicates, report.Invalid)
		return nil
	},
}

func loadFile(ctx context.Context, store ingest.Inserter, path string, batch int) (ingest.Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return ingest.Report{}, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	return ingest.NewLoader(store, batch).Load(ctx, f)
}

func init() {
	loadCmd.Flags().Int("batch-size", ingest.DefaultBatchSize, "records inserted per transaction")
}

// --- pass ---

var passCmd = &cobra.Command{
	Use:   "pass <task>",
	Short: "Run a recomputation task now",
	Long: `Run a recomputation task now instead of waiting for its schedule.

Tasks: vectors-watch, vectors-full, cluster-watch, cluster-full, image-watch.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := triggerPass(cmd.Context(), client, args[0]); err != nil {
			return err
		}
		printSuccess("Triggered %s", args[0])
		return nil
	},
}

func triggerPass(ctx context.Context, client *apiClient, task string) error {
	resp, err := client.post(ctx, "/passes/"+url.PathEscape(task), nil)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return fmt.Errorf("unknown task %q", task)
	}
	var result map[string]string
	return decodeJSON(resp, &result)
}

var passesCmd = &cobra.Command{
	Use:   "passes",
	Short: "List recent pass reports",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		task, _ := cmd.Flags().GetString("task")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		passes, err := listPasses(cmd.Context(), client, task, limit)
		if err != nil {
			return err
		}
		if len(passes) == 0 {
			fmt.Println("No passes yet.")
			return nil
		}
		for _, p := range passes {
			fmt.Println(passLine(p))
		}
		return nil
	},
}

func listPasses(ctx context.Context, client *apiClient, task string, limit int) ([]recompute.PassReport, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if task != "" {
		q.Set("task", task)
	}
	resp, err := client.get(ctx, "/passes?"+q.Encode())
	if err != nil {
		return nil, err
	}
	var passes []recompute.PassReport
	err = decodeJSON(resp, &passes)
	return passes, err
}

func passLine(p recompute.PassReport) string {
	result := fmt.Sprintf("selected %d, wrote %d in %d batches, skipped %d", p.Selected, p.Written, p.Batches, p.Skipped)
	if p.Err != "" {
		result = colorize(colorRed, "failed: "+p.Err)
	}
	return fmt.Sprintf("%s  %s  %-14s %s  %s",
		colorize(colorCyan, p.ID[:min(8, len(p.ID))]),
		p.Started.Format(time.DateTime),
		p.Task,
		p.Finished.Sub(p.Started).Round(time.Millisecond),
		result,
	)
}

func init() {
	passesCmd.Flags().Int("limit", 20, "maximum number of passes to list")
	passesCmd.Flags().String("task", "", "only list passes of this task")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys are listed by `catalogd config show`.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s", key)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
