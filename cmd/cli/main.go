package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiKey    string
	sessionID string
	language  string

	auditSession string
	auditTier    string
	auditSince   string
	auditLimit   int
)

func main() {
	root := &cobra.Command{
		Use:   "svexec",
		Short: "CLI client for the secure execution pipeline",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("SVEXEC_API_KEY"), "API key")

	execCmd := &cobra.Command{
		Use:   "exec [code]",
		Short: "Submit code for validated, sandboxed execution",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runExec,
	}
	execCmd.Flags().StringVarP(&language, "language", "l", "python", "Language (python, node, bash)")
	execCmd.Flags().StringVarP(&sessionID, "session", "s", "cli", "Session ID grouping related submissions")
	root.AddCommand(execCmd)

	execFileCmd := &cobra.Command{
		Use:   "exec-file [file]",
		Short: "Submit code from a file",
		Args:  cobra.ExactArgs(1),
		RunE:  runExecFile,
	}
	execFileCmd.Flags().StringVarP(&language, "language", "l", "", "Language (auto-detected from extension)")
	execFileCmd.Flags().StringVarP(&sessionID, "session", "s", "cli", "Session ID grouping related submissions")
	root.AddCommand(execFileCmd)

	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit trail",
		RunE:  runAudit,
	}
	auditCmd.Flags().StringVar(&auditSession, "session", "", "Filter by session ID")
	auditCmd.Flags().StringVar(&auditTier, "tier", "", "Filter by risk tier (low, medium, high)")
	auditCmd.Flags().StringVar(&auditSince, "since", "", "Only entries after this RFC3339 timestamp")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 0, "Maximum entries to return")
	root.AddCommand(auditCmd)

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runExec(cmd *cobra.Command, args []string) error {
	var code string

	if len(args) > 0 {
		code = args[0]
	} else {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		code = string(data)
	}

	return submit(code, language)
}

func runExecFile(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	if language == "" {
		switch ext := fileExtension(args[0]); ext {
		case ".py":
			language = "python"
		case ".js":
			language = "node"
		case ".sh":
			language = "bash"
		default:
			return fmt.Errorf("cannot detect language for extension %q, use --language flag", ext)
		}
	}

	return submit(string(data), language)
}

func submit(code, lang string) error {
	payload := map[string]any{
		"session_id": sessionID,
		"code":       code,
		"language":   lang,
	}

	body, _ := json.Marshal(payload)

	req, err := http.NewRequest("POST", serverURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	// A high-tier submission may sit at the approval gate for minutes.
	client := &http.Client{Timeout: 10 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))

	if state, ok := result["state"].(string); ok && state == "denied" {
		os.Exit(3)
	}
	if exitCode, ok := result["exit_code"].(float64); ok && exitCode != 0 {
		os.Exit(int(exitCode))
	}

	return nil
}

func runAudit(_ *cobra.Command, _ []string) error {
	query := url.Values{}
	if auditSession != "" {
		query.Set("session_id", auditSession)
	}
	if auditTier != "" {
		query.Set("risk_tier", auditTier)
	}
	if auditSince != "" {
		query.Set("since", auditSince)
	}
	if auditLimit > 0 {
		query.Set("limit", fmt.Sprint(auditLimit))
	}

	endpoint := serverURL + "/audit"
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, _ := http.NewRequest("GET", endpoint, nil)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result any
	json.NewDecoder(resp.Body).Decode(&result)
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))
	return nil
}

func runHealth(_ *cobra.Command, _ []string) error {
	resp, err := http.Get(serverURL + "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]any
	json.NewDecoder(resp.Body).Decode(&result)
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))
	return nil
}

func fileExtension(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '.' {
			return path[i:]
		}
	}
	return ""
}
