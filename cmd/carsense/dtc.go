package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mironalin/carsense/internal/obd"
)

var (
	dtcClear bool
	dtcVIN   bool
)

func init() {
	dtcCmd.Flags().BoolVar(&dtcClear, "clear", false, "Clear stored codes and turn the MIL off")
	dtcCmd.Flags().BoolVar(&dtcVIN, "vin", false, "Also read the VIN")
	rootCmd.AddCommand(dtcCmd)
}

var dtcCmd = &cobra.Command{
	Use:   "dtc",
	Short: "Read or clear diagnostic trouble codes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		ctrl, release, err := connected(ctx)
		if err != nil {
			return err
		}
		defer release()

		if dtcVIN {
			vin, err := ctrl.ReadVIN(ctx)
			if err != nil {
				fmt.Printf("VIN      %s\n", red("%s", err.Error()))
			} else {
				fmt.Printf("VIN      %s\n", green("%s", vin))
			}
		}

		if dtcClear {
			if err := ctrl.ClearDTCs(ctx); err != nil {
				return err
			}
			fmt.Println(green("trouble codes cleared"))
			return nil
		}

		stored, err := ctrl.ReadDTCs(ctx)
		if err != nil {
			return err
		}
		printCodes("stored", stored)

		pending, err := ctrl.ReadPendingDTCs(ctx)
		if err != nil {
			fmt.Printf("pending  %s\n", red("%s", err.Error()))
			return nil
		}
		printCodes("pending", pending)
		return nil
	},
}

func printCodes(label string, dtcs []obd.DTC) {
	if len(dtcs) == 0 {
		fmt.Printf("%-8s %s\n", label, green("none"))
		return
	}
	for _, d := range dtcs {
		fmt.Printf("%-8s %s\n", label, red("%s", d.Code))
	}
}
