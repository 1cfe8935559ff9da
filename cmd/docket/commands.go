package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/docketloop/docket/internal/config"
	"github.com/docketloop/docket/internal/pipeline"
	"github.com/docketloop/docket/internal/review"
)

// --- run ---

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the analysis pipeline",
	Long: `Run the analysis pipeline.

Without flags, picks up the oldest pending or errored entries. With --id,
analyzes that entry regardless of status; add --reanalyze to discard a stored
result.

Examples:
  docket run
  docket run --batch 5
  docket run --id 4f7c... --reanalyze`,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		batch, _ := cmd.Flags().GetInt("batch")
		reanalyze, _ := cmd.Flags().GetBool("reanalyze")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{}
		if id != "" {
			req["id"] = id
			req["reanalyze"] = reanalyze
		} else if batch > 0 {
			req["batchSize"] = batch
		}

		printStep("Running pipeline...")
		resp, err := client.post("/pipeline/run", req)
		if err != nil {
			return err
		}

		if id != "" {
			var result pipeline.EntryResult
			if err := decodeJSON(resp, &result); err != nil {
				return err
			}
			printEntryResult(result)
			return nil
		}

		var results []pipeline.EntryResult
		if err := decodeJSON(resp, &results); err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Println("Nothing to process.")
			return nil
		}
		for _, r := range results {
			printEntryResult(r)
		}
		return nil
	},
}

func printEntryResult(r pipeline.EntryResult) {
	switch r.Status {
	case "processed":
		printSuccess("%s (%s) processed", r.ID, r.Filename)
		if r.Result != nil && r.Result.FinalAnalysis != "" {
			fmt.Printf("  %s\n", r.Result.FinalAnalysis)
		}
	case "error":
		printError("%s (%s): %s", r.ID, r.Filename, r.Error)
	default:
		printStatus(r.ID, "%s", r.Status)
	}
}

func init() {
	runCmd.Flags().String("id", "", "entry id to analyze (forced mode)")
	runCmd.Flags().Int("batch", 0, "batch size for auto mode (max 5)")
	runCmd.Flags().Bool("reanalyze", false, "discard the stored result and re-analyze")
}

// --- queue ---

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List queue entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		countOnly, _ := cmd.Flags().GetBool("count")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if countOnly {
			resp, err := client.get("/queue/count?status=" + status)
			if err != nil {
				return err
			}
			var result map[string]int
			if err := decodeJSON(resp, &result); err != nil {
				return err
			}
			fmt.Println(result["count"])
			return nil
		}

		path := fmt.Sprintf("/queue?status=%s&limit=%d", status, limit)
		resp, err := client.get(path)
		if err != nil {
			return err
		}

		var entries []struct {
			ID          string `json:"id"`
			Filename    string `json:"filename"`
			Status      string `json:"status"`
			ErrorReason string `json:"errorReason"`
			CreatedAt   string `json:"createdAt"`
		}
		if err := decodeJSON(resp, &entries); err != nil {
			return err
		}

		if len(entries) == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}
		for _, e := range entries {
			line := fmt.Sprintf("%s  %-10s %s", e.ID, e.Status, e.Filename)
			if e.ErrorReason != "" {
				line += paint(ansiRed, "  ("+e.ErrorReason+")")
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	queueCmd.Flags().String("status", "", "comma-separated status filter (e.g. pending,error)")
	queueCmd.Flags().Int("limit", 20, "maximum entries listed")
	queueCmd.Flags().Bool("count", false, "print only the entry count")
}

// --- case ---

var caseCmd = &cobra.Command{
	Use:   "case <id>",
	Short: "Show the detail view of a case",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get("/cases/" + args[0])
		if err != nil {
			return err
		}

		var detail review.CaseDetail
		if err := decodeJSON(resp, &detail); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(detail)
	},
}

// --- confirm ---

var confirmCmd = &cobra.Command{
	Use:   "confirm <id>",
	Short: "Confirm an analysis with reviewer feedback",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		feedback, _ := cmd.Flags().GetString("message")
		if feedback == "" {
			return fmt.Errorf("feedback is required (-m)")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post("/cases/"+args[0]+"/confirm", map[string]string{"feedback": feedback})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Case %s confirmed", args[0])
		return nil
	},
}

func init() {
	confirmCmd.Flags().StringP("message", "m", "", "reviewer feedback")
}

// --- delete ---

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a case (soft delete; removes it from retrieval)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete("/cases/" + args[0])
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Case %s deleted", args[0])
		return nil
	},
}

// --- train ---

var trainCmd = &cobra.Command{
	Use:   "train <file>",
	Short: "Analyze a document outside the queue, optionally saving it as a reference case",
	Long: `Analyze a document outside the queue.

With --comparative, produces both a baseline analysis and a retrieval-
augmented one so you can judge whether past cases help. With --save, the
analysis is indexed as a reference case for future retrieval.

Examples:
  docket train contract.pdf --doc-type contract --comparative
  docket train judgment.txt --doc-type judgment --save -m "good baseline"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		docType, _ := cmd.Flags().GetString("doc-type")
		comparative, _ := cmd.Flags().GetBool("comparative")
		save, _ := cmd.Flags().GetBool("save")
		feedback, _ := cmd.Flags().GetString("message")

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{
			"docType":     docType,
			"comparative": comparative,
		}
		if bytes.HasPrefix(data, []byte("%PDF-")) {
			req["fileBase64"] = base64.StdEncoding.EncodeToString(data)
		} else {
			req["content"] = string(data)
		}

		printStep("Analyzing %s...", args[0])
		resp, err := client.post("/train/analyze", req)
		if err != nil {
			return err
		}

		var analysis pipeline.TrainAnalysis
		if err := decodeJSON(resp, &analysis); err != nil {
			return err
		}

		fmt.Printf("\n%s\n%s\n", paint(ansiBold, "Extraction"), analysis.Extraction)
		fmt.Printf("\n%s\n%s\n", paint(ansiBold, "Baseline analysis"), analysis.BaselineAnalysis)
		if analysis.RAGAnalysis != "" {
			fmt.Printf("\n%s\n%s\n", paint(ansiBold, "Retrieval-augmented analysis"), analysis.RAGAnalysis)
		}

		if !save {
			return nil
		}

		finalAnalysis := analysis.RAGAnalysis
		if finalAnalysis == "" {
			finalAnalysis = analysis.BaselineAnalysis
		}
		saveResp, err := client.post("/train/save", map[string]string{
			"docType":    docType,
			"extraction": analysis.Extraction,
			"analysis":   finalAnalysis,
			"feedback":   feedback,
		})
		if err != nil {
			return err
		}
		var saved map[string]string
		if err := decodeJSON(saveResp, &saved); err != nil {
			return err
		}
		printSuccess("Saved reference case %s", saved["vectorId"])
		return nil
	},
}

func init() {
	trainCmd.Flags().String("doc-type", "", "document type (e.g. contract, judgment)")
	trainCmd.Flags().Bool("comparative", false, "also produce a retrieval-augmented analysis")
	trainCmd.Flags().Bool("save", false, "index the analysis as a reference case")
	trainCmd.Flags().StringP("message", "m", "", "reviewer feedback stored with --save")
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show docket system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	serverUp := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			serverUp = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	llmResp, err := client.Get(cfg.LLM.BaseURL + "/api/version")
	if err != nil {
		printStatus("LLM service", "not running")
	} else {
		llmResp.Body.Close()
		printStatus("LLM service", "running at %s", cfg.LLM.BaseURL)
	}

	printStatus("Model", "%s", cfg.LLM.Model)
	printStatus("Embed model", "%s", cfg.LLM.EmbedModel)

	if serverUp {
		if api, err := newAPIClient(); err == nil {
			printQueueCount(api, "Pending", "pending")
			printQueueCount(api, "Awaiting review", "processed")
			printQueueCount(api, "Errored", "error")
			printQueueCount(api, "Completed", "completed")
		}
	}

	printStatus("Uploads dir", "%s", cfg.Storage.ResolvedUploadsDir())
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func printQueueCount(client *apiClient, label, status string) {
	resp, err := client.get("/queue/count?status=" + status)
	if err != nil {
		return
	}
	var result map[string]int
	if decodeJSON(resp, &result) == nil {
		printStatus(label, "%d", result["count"])
	}
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("%-24s %-32s %s\n", k.Key, k.Value, paint(ansiCyan, k.EnvVar))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Persist a config key in the platform backend",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetKey(args[0], args[1]); err != nil {
			return fmt.Errorf("%w (valid keys: %s)", err, strings.Join(config.ValidKeys(), ", "))
		}
		printSuccess("Set %s = %s", args[0], args[1])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
