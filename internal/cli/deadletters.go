package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pharmaq-ai/pharmaq/internal/domain"
)

func init() {
	deadlettersCmd.Flags().IntVar(&deadlettersLimit, "limit", 50, "Maximum entries to list")
	rootCmd.AddCommand(deadlettersCmd)
}

var deadlettersLimit int

var deadlettersCmd = &cobra.Command{
	Use:   "deadletters",
	Short: "List tasks parked after exhausting retries",
	RunE:  runDeadLetters,
}

func runDeadLetters(cmd *cobra.Command, args []string) error {
	var out struct {
		DeadLetters []domain.DeadLetter `json:"dead_letters"`
	}
	url := fmt.Sprintf("%s/v1/deadletters?limit=%d", serverURL(), deadlettersLimit)
	if err := callAPI("GET", url, nil, &out); err != nil {
		return err
	}

	if len(out.DeadLetters) == 0 {
		fmt.Println("No dead letters.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tROLE\tATTEMPTS\tPARKED\tREASON")
	for _, dl := range out.DeadLetters {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			dl.Task.JobID,
			dl.Task.Role,
			dl.Task.Attempts,
			dl.ParkedAt.Format("2006-01-02 15:04"),
			dl.Reason,
		)
	}
	return w.Flush()
}
