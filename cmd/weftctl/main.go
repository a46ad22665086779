package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

var serverURL string

func main() {
	rootCmd := &cobra.Command{
		Use:   "weftctl",
		Short: "Weft CLI - interact with a Weft server",
		Long: `weftctl is a command-line interface for the Weft coordination engine.
All output is structured JSON (pipe through jq for human-readable formatting).`,
		Version: version,
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", getDefaultServer(), "Weft server URL")

	rootCmd.AddCommand(newItemCommand())
	rootCmd.AddCommand(newWorkerCommand())
	rootCmd.AddCommand(newMemoryCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newExecutionCommand())
	rootCmd.AddCommand(newStatusCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func getDefaultServer() string {
	if server := os.Getenv("WEFT_SERVER"); server != "" {
		return server
	}
	return "http://localhost:8090"
}

// --- HTTP client ---

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func newClient() *Client {
	return &Client{
		BaseURL: serverURL,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(method, path string, params url.Values, data interface{}) ([]byte, error) {
	u := fmt.Sprintf("%s%s", c.BaseURL, path)
	if params != nil {
		u += "?" + params.Encode()
	}

	var body io.Reader
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal data: %w", err)
		}
		body = strings.NewReader(string(jsonData))
	}

	req, err := http.NewRequest(method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("server error (%d): %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

func (c *Client) get(path string, params url.Values) ([]byte, error) {
	return c.do("GET", path, params, nil)
}

func (c *Client) post(path string, data interface{}) ([]byte, error) {
	return c.do("POST", path, nil, data)
}

// outputJSON pretty-prints raw JSON data.
func outputJSON(data []byte) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		fmt.Println(string(data))
		return
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

// --- Item commands ---

func newItemCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "item",
		Short: "Submit and report on work items",
	}
	cmd.AddCommand(newItemSubmitCommand())
	cmd.AddCommand(newItemOutcomeCommand())
	return cmd
}

func newItemSubmitCommand() *cobra.Command {
	var (
		id          string
		title       string
		bodyText    string
		topics      []string
		priority    int
		complexItem bool
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a work item for assignment",
		Example: `  weftctl item submit --id item-42 --title "Fix auth redirect" --topic api --topic auth
  weftctl item submit --id item-43 --title "Replatform storage" --complex`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			data, err := client.post("/api/v1/items", map[string]interface{}{
				"id":       id,
				"title":    title,
				"body":     bodyText,
				"topics":   topics,
				"priority": priority,
				"complex":  complexItem,
			})
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Work item id (required)")
	cmd.Flags().StringVar(&title, "title", "", "Work item title (required)")
	cmd.Flags().StringVar(&bodyText, "body", "", "Work item body")
	cmd.Flags().StringArrayVar(&topics, "topic", nil, "Topic (repeatable)")
	cmd.Flags().IntVar(&priority, "priority", 0, "Priority")
	cmd.Flags().BoolVar(&complexItem, "complex", false, "Force plan-based decomposition")
	cmd.MarkFlagRequired("id")
	cmd.MarkFlagRequired("title")
	return cmd
}

func newItemOutcomeCommand() *cobra.Command {
	var (
		id       string
		title    string
		workerID string
		success  bool
		summary  string
		lesson   string
	)
	cmd := &cobra.Command{
		Use:   "outcome",
		Short: "Report the outcome of a completed work item",
		Example: `  weftctl item outcome --id item-42 --title "Fix auth redirect" \
    --worker backend --success --summary "patched redirect chain"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			data, err := client.post("/api/v1/outcomes", map[string]interface{}{
				"work_item": map[string]interface{}{"id": id, "title": title},
				"outcome": map[string]interface{}{
					"work_item_id": id,
					"worker_id":    workerID,
					"success":      success,
					"summary":      summary,
					"lesson":       lesson,
				},
			})
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Work item id (required)")
	cmd.Flags().StringVar(&title, "title", "", "Work item title (required)")
	cmd.Flags().StringVar(&workerID, "worker", "", "Worker id (required)")
	cmd.Flags().BoolVar(&success, "success", false, "Outcome was successful")
	cmd.Flags().StringVar(&summary, "summary", "", "Outcome summary")
	cmd.Flags().StringVar(&lesson, "lesson", "", "Lesson learned")
	cmd.MarkFlagRequired("id")
	cmd.MarkFlagRequired("title")
	cmd.MarkFlagRequired("worker")
	return cmd
}

// --- Worker commands ---

func newWorkerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Manage worker profiles",
	}
	cmd.AddCommand(newWorkerListCommand())
	cmd.AddCommand(newWorkerRegisterCommand())
	return cmd
}

func newWorkerListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			data, err := client.get("/api/v1/workers", nil)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
}

func newWorkerRegisterCommand() *cobra.Command {
	var (
		id    string
		score float64
		specs []string
	)
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register or replace a worker profile",
		Example: `  weftctl worker register --id backend --score 0.7 \
    --spec database=0.9 --spec api=0.8`,
		RunE: func(cmd *cobra.Command, args []string) error {
			specializations := map[string]float64{}
			for _, s := range specs {
				parts := strings.SplitN(s, "=", 2)
				if len(parts) != 2 {
					return fmt.Errorf("invalid spec %q, want topic=affinity", s)
				}
				var affinity float64
				if _, err := fmt.Sscanf(parts[1], "%f", &affinity); err != nil {
					return fmt.Errorf("invalid affinity in %q: %w", s, err)
				}
				specializations[parts[0]] = affinity
			}

			client := newClient()
			data, err := client.post("/api/v1/workers", map[string]interface{}{
				"worker_id":       id,
				"aggregate_score": score,
				"specializations": specializations,
			})
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Worker id (required)")
	cmd.Flags().Float64Var(&score, "score", 0.5, "Aggregate performance score in [0,1]")
	cmd.Flags().StringArrayVar(&specs, "spec", nil, "Specialization as topic=affinity (repeatable)")
	cmd.MarkFlagRequired("id")
	return cmd
}

// --- Memory commands ---

func newMemoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Query and maintain worker memories",
	}
	cmd.AddCommand(newMemoryListCommand())
	cmd.AddCommand(newMemoryStatsCommand())
	cmd.AddCommand(newMemoryPruneCommand())
	return cmd
}

func newMemoryListCommand() *cobra.Command {
	var (
		query string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "list <worker-id>",
		Short: "List a worker's memories, most relevant first",
		Args:  cobra.ExactArgs(1),
		Example: `  weftctl memory list backend --query "authentication bug" --limit 5
  weftctl memory list backend`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			params := url.Values{}
			if query != "" {
				params.Set("q", query)
			}
			if limit > 0 {
				params.Set("limit", fmt.Sprintf("%d", limit))
			}
			data, err := client.get("/api/v1/memories/"+args[0], params)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "Relevance query")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum records to return")
	return cmd
}

func newMemoryStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <worker-id>",
		Short: "Show record count and success ratio for a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			data, err := client.get("/api/v1/memories/"+args[0]+"/stats", nil)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
}

func newMemoryPruneCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete expired ephemeral memories",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			data, err := client.post("/api/v1/memories/prune", nil)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
}

// --- Plan commands ---

func newPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Inspect and run coordination plans",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <plan-id>",
		Short: "Show a coordination plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			data, err := client.get("/api/v1/plans/"+args[0], nil)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "run <plan-id>",
		Short: "Run a coordination plan to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			data, err := client.post("/api/v1/plans/"+args[0]+"/run", nil)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	})
	return cmd
}

// --- Execution commands ---

func newExecutionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "execution",
		Short: "Inspect workflow executions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <workflow-id>",
		Short: "Show a workflow checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			data, err := client.get("/api/v1/executions/"+args[0], nil)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	})
	return cmd
}

// --- Status command ---

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server status overview",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result := map[string]interface{}{}

			if data, err := client.get("/api/v1/health", nil); err == nil {
				var v interface{}
				if json.Unmarshal(data, &v) == nil {
					result["health"] = v
				}
			} else {
				result["health"] = map[string]string{"error": err.Error()}
			}

			if data, err := client.get("/api/v1/workers", nil); err == nil {
				var workers []interface{}
				if json.Unmarshal(data, &workers) == nil {
					result["workers"] = map[string]interface{}{
						"total": len(workers),
						"list":  workers,
					}
				}
			}

			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}
