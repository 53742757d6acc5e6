package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/k0kubun/go-ansi"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.bug.st/serial"

	"github.com/mironalin/carsense/internal/bluetooth"
)

var (
	scanWindow time.Duration
	scanSerial bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanWindow, "timeout", "t", 8*time.Second, "Discovery window, 0 lists known devices only")
	scanCmd.Flags().BoolVar(&scanSerial, "serial", false, "List serial ports instead of Bluetooth devices")
	rootCmd.AddCommand(scanCmd)
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List Bluetooth OBD adapters or serial ports",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if scanSerial {
			ports, err := serial.GetPortsList()
			if err != nil {
				return err
			}
			if len(ports) == 0 {
				fmt.Println("no serial ports found")
			}
			for _, p := range ports {
				fmt.Println(p)
			}
			return nil
		}

		ctx := cmd.Context()
		d := bluetooth.NewDiscoverer(cfg.Adapter.HCI, nil)
		if scanWindow <= 0 {
			devices, err := d.Devices(ctx)
			if err != nil {
				return err
			}
			printDevices(devices)
			return nil
		}

		const step = 100 * time.Millisecond
		bar := progressbar.NewOptions(int(scanWindow/step),
			progressbar.OptionSetWriter(ansi.NewAnsiStdout()),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionSetWidth(20),
			progressbar.OptionSetDescription("[cyan][1/1][reset] scanning"),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "[green]=[reset]",
				SaucerHead:    "[green]>[reset]",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
			progressbar.OptionClearOnFinish(),
		)

		type result struct {
			devices []bluetooth.Device
			err     error
		}
		done := make(chan result, 1)
		go func() {
			devices, err := d.Scan(ctx, scanWindow)
			done <- result{devices, err}
		}()

		ticker := time.NewTicker(step)
		defer ticker.Stop()
		for {
			select {
			case res := <-done:
				bar.Finish()
				if res.err != nil {
					return res.err
				}
				printDevices(res.devices)
				return nil
			case <-ticker.C:
				bar.Add(1)
			}
		}
	},
}

var (
	green  = color.New(color.FgGreen).SprintfFunc()
	red    = color.New(color.FgRed).SprintfFunc()
	yellow = color.New(color.FgHiBlue).SprintfFunc()
)

func printDevices(devices []bluetooth.Device) {
	if len(devices) == 0 {
		fmt.Println("no devices found")
		return
	}
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "(unnamed)"
		}
		flags := ""
		if d.Paired {
			flags += " paired"
		}
		if d.Connected {
			flags += " connected"
		}
		if d.SPP {
			fmt.Printf("%s  %-24s %s\n", green("%s", d.Address), name, yellow("serial port%s", flags))
		} else {
			fmt.Printf("%s  %-24s%s\n", d.Address, name, flags)
		}
	}
}
