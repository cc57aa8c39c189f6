package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/jedbrown/pism/internal/invssa"
)

var serverURL string

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Query the job server",
	Long: `Queries the job server for inversion job status.
If no job-id is provided, lists all jobs.
If a job-id is provided, shows detailed status for that job.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return listJobs(fmt.Sprintf("%s/api/v1/jobs", serverURL))
	}
	jobID := args[0]
	return getJobStatus(fmt.Sprintf("%s/api/v1/jobs/%s/status", serverURL, jobID), jobID)
}

func listJobs(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned error: %s", string(body))
	}

	var jobs []map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&jobs); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	fmt.Printf("Found %d job(s):\n\n", len(jobs))
	for _, job := range jobs {
		fmt.Printf("Job ID: %s\n", job["id"])
		fmt.Printf("  State: %s\n", job["state"])
		if config, ok := job["config"].(map[string]interface{}); ok {
			fmt.Printf("  Input: %s\n", config["inputPath"])
			fmt.Printf("  Method: %s\n", config["method"])
		}
		if iter, ok := job["iteration"].(float64); ok && iter > 0 {
			fmt.Printf("  Iteration: %.0f\n", iter)
		}
		if rms, ok := job["rmsMisfit"].(float64); ok && rms > 0 {
			fmt.Printf("  RMS misfit: %.1f m/a\n", rms*invssa.SecPerYear)
		}
		fmt.Println()
	}

	return nil
}

func getJobStatus(url, jobID string) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("job not found: %s", jobID)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned error: %s", string(body))
	}

	var status map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("Job: %s\n", status["id"])
	fmt.Printf("State: %s\n", status["state"])
	fmt.Println()

	if config, ok := status["config"].(map[string]interface{}); ok {
		fmt.Println("Configuration:")
		fmt.Printf("  Input: %s\n", config["inputPath"])
		fmt.Printf("  Method: %s\n", config["method"])
		if target, ok := config["rmsTargetMPerYear"].(float64); ok && target > 0 {
			fmt.Printf("  RMS target: %.1f m/a\n", target)
		}
		fmt.Printf("  Max iterations: %v\n", config["maxIterations"])
		fmt.Println()
	}

	fmt.Println("Progress:")
	if iter, ok := status["iteration"].(float64); ok {
		fmt.Printf("  Iteration: %.0f\n", iter)
	}
	if rms, ok := status["rmsMisfit"].(float64); ok && rms > 0 {
		fmt.Printf("  RMS misfit: %.1f m/a\n", rms*invssa.SecPerYear)
	}
	if obj, ok := status["objective"].(float64); ok && obj > 0 {
		fmt.Printf("  Objective: %.6e\n", obj)
	}
	if reason, ok := status["reason"].(string); ok && reason != "" {
		fmt.Printf("  Reason: %s\n", reason)
	}

	if elapsedSec, ok := status["elapsed"].(float64); ok {
		elapsed := time.Duration(elapsedSec * float64(time.Second))
		fmt.Printf("  Elapsed: %s\n", elapsed.Round(time.Millisecond))
	}

	if errMsg, ok := status["error"].(string); ok && errMsg != "" {
		fmt.Printf("\nError: %s\n", errMsg)
	}

	return nil
}
