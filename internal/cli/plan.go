package cli

import (
	"fmt"
	"strconv"

	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/cli/appctx"
	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/domain"
	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/ingest"
	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/ledger"
	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/resolver"
	"github.com/spf13/cobra"
)

var planCmd = &cobra.Command{
	Use:   "plan <contacts.csv>",
	Short: "Show the duplicate pairs a run would process, without touching the remote system",
	Long: `Resolves duplicate pairs from the CSV export and lists them along with
any ambiguous groups. Pairs already recorded in the savepoint ledger are
marked as done. No remote calls are made.`,
	Args: cobra.ExactArgs(1),
	RunE: appctx.WithApp(appctx.DefaultOptions(), runPlan),
}

func init() {
	rootCmd.AddCommand(planCmd)
}

type plannedPair struct {
	PairKey     string `json:"pair_key" yaml:"pair_key"`
	Email       string `json:"email" yaml:"email"`
	PrimaryRef  string `json:"primary_ref" yaml:"primary_ref"`
	DupRef      string `json:"duplicate_ref" yaml:"duplicate_ref"`
	Tickets     int    `json:"combined_tickets" yaml:"combined_tickets"`
	AlreadyDone bool   `json:"already_done" yaml:"already_done"`
}

func runPlan(app *appctx.App, cmd *cobra.Command, args []string) error {
	contacts, err := ingest.LoadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to load contacts: %w", err)
	}
	res := resolver.Resolve(contacts)
	led := ledger.New(app.DB)

	var planned []plannedPair
	pending := 0
	for _, pair := range res.Pairs {
		done, err := led.IsDone(pair.Key())
		if err != nil {
			return fmt.Errorf("failed to read savepoint ledger: %w", err)
		}
		if !done {
			pending++
		}
		planned = append(planned, plannedPair{
			PairKey:     pair.Key(),
			Email:       pair.Email,
			PrimaryRef:  pair.Primary.ExternalRef,
			DupRef:      pair.Duplicate.ExternalRef,
			Tickets:     pair.CombinedTicketCount(),
			AlreadyDone: done,
		})
	}

	r, err := newRenderer(app, cmd)
	if err != nil {
		return err
	}

	headers := []string{"PAIR", "EMAIL", "PRIMARY", "DUPLICATE", "TICKETS", "DONE"}
	rows := make([][]string, 0, len(planned))
	for _, p := range planned {
		rows = append(rows, []string{
			p.PairKey, p.Email, p.PrimaryRef, p.DupRef,
			strconv.Itoa(p.Tickets), strconv.FormatBool(p.AlreadyDone),
		})
	}
	if err := r.Rows(headers, rows, planned); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\n%d pairs (%d pending, %d done), %d ambiguous groups, %d warnings\n",
		len(planned), pending, len(planned)-pending, len(res.Ambiguous), len(res.Warnings))
	for _, g := range res.Ambiguous {
		fmt.Fprintf(out, "  ambiguous %s (%s): %s\n", g.Email, g.Reason, contactIDs(g.Contacts))
	}
	for _, w := range res.Warnings {
		fmt.Fprintf(out, "  warning: %s\n", w)
	}
	return nil
}

func contactIDs(contacts []domain.Contact) string {
	s := ""
	for i, c := range contacts {
		if i > 0 {
			s += ", "
		}
		s += c.RevUserID
	}
	return s
}
