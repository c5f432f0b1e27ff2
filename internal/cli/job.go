package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/imagehive/orchestrator/pkg/domain"
	"github.com/imagehive/orchestrator/pkg/repository"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect jobs",
}

var jobStatusCmd = &cobra.Command{
	Use:     "status",
	Short:   "Print one job's current counters and chunk statistics",
	Example: `  orchestratorctl job status --id=42`,
	RunE:    runJobStatus,
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs for a project, optionally narrowed by status",
	Example: `  orchestratorctl job list --project=7
  orchestratorctl job list --project=7 --status=failed`,
	RunE: runJobList,
}

func init() {
	jobStatusCmd.Flags().Int64("id", 0, "job id (required)")
	_ = jobStatusCmd.MarkFlagRequired("id")

	jobListCmd.Flags().Int64("project", 0, "project id (required)")
	jobListCmd.Flags().String("status", "", "narrow to one status (pending, running, cancelling, completed, failed, cancelled)")
	_ = jobListCmd.MarkFlagRequired("project")

	jobCmd.AddCommand(jobStatusCmd, jobListCmd)
	rootCmd.AddCommand(jobCmd)
}

func runJobStatus(cmd *cobra.Command, args []string) error {
	id, _ := cmd.Flags().GetInt64("id")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, store, _, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	job, err := store.Jobs().GetByID(cmd.Context(), id)
	if err != nil {
		return fmt.Errorf("job status: %w", err)
	}

	fmt.Printf("job %d (%s)\n", job.ID, job.Name)
	fmt.Printf("  status:     %s\n", job.Status)
	fmt.Printf("  progress:   %d%%\n", job.ProgressPercent)
	fmt.Printf("  chunks:     total=%d active=%d queued=%d completed=%d failed=%d\n",
		job.TotalChunks, job.ActiveChunks, job.QueuedChunks(), job.CompletedChunks, job.FailedChunks)
	fmt.Printf("  images:     downloaded=%d valid=%d duplicate=%d failed=%d\n",
		job.DownloadedImages, job.ValidImages, job.DuplicateImages, job.FailedImages)
	fmt.Printf("  created:    %s\n", job.CreatedAt)
	if job.StartedAt != nil {
		fmt.Printf("  started:    %s\n", *job.StartedAt)
	}
	if job.CompletedAt != nil {
		fmt.Printf("  completed:  %s\n", *job.CompletedAt)
	}
	return nil
}

func runJobList(cmd *cobra.Command, args []string) error {
	project, _ := cmd.Flags().GetInt64("project")
	statusArg, _ := cmd.Flags().GetString("status")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, store, _, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	filter := repository.JobFilter{ProjectID: project}
	if statusArg != "" {
		s := domain.JobStatus(statusArg)
		filter.Status = &s
	}

	jobs, err := store.Jobs().ListByFilter(cmd.Context(), filter)
	if err != nil {
		return fmt.Errorf("job list: %w", err)
	}
	if len(jobs) == 0 {
		fmt.Println("no jobs found")
		return nil
	}
	for _, j := range jobs {
		fmt.Printf("%-6d %-10s %3d%%  chunks %d/%d  %s\n", j.ID, j.Status, j.ProgressPercent, j.CompletedChunks, j.TotalChunks, j.Name)
	}
	return nil
}
