package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/mironalin/carsense/internal/obd"
)

var (
	queryWatch time.Duration
	queryList  bool
)

func init() {
	queryCmd.Flags().DurationVarP(&queryWatch, "watch", "w", 0, "Repeat every interval until interrupted")
	queryCmd.Flags().BoolVar(&queryList, "list", false, "Describe the given PIDs, or all known ones, and exit")
	rootCmd.AddCommand(queryCmd)
}

var queryCmd = &cobra.Command{
	Use:   "query [command...]",
	Short: "Send OBD or AT commands and print decoded readings",
	Long: `Send OBD (e.g. 010C) or AT (e.g. ATRV) commands. With no arguments the
configured poll PIDs are queried.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if queryList {
			pids, err := pidRows(args)
			if err != nil {
				return err
			}
			printPIDs(pids)
			return nil
		}
		if len(args) == 0 {
			args = cfg.PollSettings().PIDs
		}

		ctx := cmd.Context()
		ctrl, release, err := connected(ctx)
		if err != nil {
			return err
		}
		defer release()

		for {
			for _, c := range args {
				r, err := ctrl.SendCommand(ctx, c)
				if err != nil {
					return err
				}
				printReading(r)
			}
			if queryWatch <= 0 {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(queryWatch):
			}
			fmt.Println()
		}
	},
}

func printReading(r *obd.Reading) {
	if r.IsError {
		fmt.Printf("%-6s %s\n", r.Command, red("%s", r.ErrorMessage()))
		return
	}
	name := r.Name
	if name == "" {
		name = r.Command
	}
	fmt.Printf("%-6s %-34s %s %s\n", r.Command, name, green("%s", r.Value), r.Unit)
}

// pidRows returns the decoder rows for commands, or every row when none are
// given.
func pidRows(commands []string) ([]obd.PID, error) {
	if len(commands) == 0 {
		pids := obd.PIDs()
		sort.Slice(pids, func(i, j int) bool { return pids[i].Command < pids[j].Command })
		return pids, nil
	}
	pids := make([]obd.PID, 0, len(commands))
	for _, c := range commands {
		p, ok := obd.LookupPID(c)
		if !ok {
			return nil, fmt.Errorf("unknown PID %q", c)
		}
		pids = append(pids, p)
	}
	return pids, nil
}

func printPIDs(pids []obd.PID) {
	for _, p := range pids {
		fmt.Printf("%s  %-34s %s\n", yellow("%s", p.Command), p.Name, p.Unit)
	}
}
