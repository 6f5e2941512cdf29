package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pharmaq-ai/pharmaq/internal/domain"
)

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show the status of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	var view domain.JobView
	if err := callAPI("GET", serverURL()+"/v1/jobs/"+args[0], nil, &view); err != nil {
		return err
	}
	printView(view)
	return nil
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Request cooperative cancellation of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func runCancel(cmd *cobra.Command, args []string) error {
	var view domain.JobView
	if err := callAPI("POST", serverURL()+"/v1/jobs/"+args[0]+"/cancel", nil, &view); err != nil {
		return err
	}
	fmt.Printf("Job %s: %s\n", view.JobID, view.Status)
	return nil
}

func printView(view domain.JobView) {
	fmt.Printf("Job:     %s\n", view.JobID)
	fmt.Printf("Status:  %s\n", view.Status)
	if view.RetryCount > 0 {
		fmt.Printf("Retries: %d\n", view.RetryCount)
	}
	if view.DurationMS > 0 {
		fmt.Printf("Took:    %s\n", time.Duration(view.DurationMS)*time.Millisecond)
	}
	if view.Error != "" {
		fmt.Printf("Error:   %s\n", view.Error)
	}
	if view.Result != "" {
		fmt.Printf("\n%s\n", view.Result)
	}
}
