package cmd

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/artifact-harvester/internal/app"
	"github.com/JakeFAU/artifact-harvester/internal/harvest"
)

var statusOrder = []harvest.Status{
	harvest.StatusCompleted,
	harvest.StatusFailed,
	harvest.StatusInProgress,
	harvest.StatusPending,
}

func newStatusCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Shows progress recorded for the configured job",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			st, closeStore, err := app.OpenStore(cmd.Context(), e.cfg, e.logger)
			if err != nil {
				return err
			}
			defer func() { _ = closeStore() }()
			if _, err := st.Load(cmd.Context()); err != nil {
				return err
			}

			if id != "" {
				rec, ok := st.Get(id)
				if !ok {
					return fmt.Errorf("no progress recorded for %q", id)
				}
				return renderRecord(cmd.OutOrStdout(), id, rec)
			}
			return renderCounts(cmd.OutOrStdout(), st.Counts())
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "show the record for a single id")
	return cmd
}

func renderCounts(w io.Writer, counts map[harvest.Status]int) error {
	data := pterm.TableData{{"Status", "Items"}}
	total := 0
	for _, s := range statusOrder {
		data = append(data, []string{string(s), strconv.Itoa(counts[s])})
		total += counts[s]
	}
	data = append(data, []string{"total", strconv.Itoa(total)})
	out, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, out)
	return err
}

func renderRecord(w io.Writer, id string, rec harvest.ProgressRecord) error {
	data := pterm.TableData{
		{"Field", "Value"},
		{"ID", id},
		{"Status", string(rec.Status)},
		{"Updated", rec.UpdatedAt.Format(time.RFC3339)},
		{"Attempts", strconv.Itoa(rec.Attempts)},
	}
	if rec.Location != "" {
		data = append(data, []string{"Location", rec.Location})
	}
	if rec.LastError != "" {
		data = append(data, []string{"Last error", rec.LastError})
	}
	out, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, out)
	return err
}
