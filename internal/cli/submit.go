package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pharmaq-ai/pharmaq/internal/domain"
	"github.com/pharmaq-ai/pharmaq/internal/orchestrator"
)

func init() {
	submitCmd.Flags().StringVar(&submitID, "id", "", "Job id (generated when omitted; resubmission is idempotent)")
	submitCmd.Flags().StringArrayVar(&submitRoles, "role", nil, "Agent role(s) to dispatch (default from server config)")
	submitCmd.Flags().StringArrayVar(&submitContext, "context", nil, "Context entries as key=value (e.g. identity=acme)")
	submitCmd.Flags().BoolVar(&submitWait, "wait", false, "Poll until the job reaches a terminal state")
	rootCmd.AddCommand(submitCmd)
}

var (
	submitID      string
	submitRoles   []string
	submitContext []string
	submitWait    bool
)

var submitCmd = &cobra.Command{
	Use:   "submit <query>",
	Short: "Submit a research question",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubmit,
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx := make(map[string]string, len(submitContext))
	for _, kv := range submitContext {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("invalid --context entry %q, want key=value", kv)
		}
		ctx[k] = v
	}

	req := orchestrator.SubmitRequest{
		ID:      submitID,
		Query:   args[0],
		Context: ctx,
		Roles:   submitRoles,
	}

	var view domain.JobView
	if err := callAPI("POST", serverURL()+"/v1/jobs", req, &view); err != nil {
		return err
	}
	fmt.Printf("Submitted job %s (%s)\n", view.JobID, view.Status)

	if !submitWait {
		return nil
	}
	return pollUntilTerminal(view.JobID)
}

func pollUntilTerminal(id string) error {
	for {
		time.Sleep(time.Second)

		var view domain.JobView
		if err := callAPI("GET", serverURL()+"/v1/jobs/"+id, nil, &view); err != nil {
			return err
		}
		if !view.Status.IsTerminal() {
			fmt.Printf("  %s (retries: %d)\n", view.Status, view.RetryCount)
			continue
		}
		printView(view)
		if view.Status == domain.JobFailed {
			return fmt.Errorf("job %s failed", id)
		}
		return nil
	}
}
