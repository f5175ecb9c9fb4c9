package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jacquard-go/jacquard/internal/ble"
	"github.com/jacquard-go/jacquard/pkg/advertisement"
)

func newScanCmd() *cobra.Command {
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan for advertising Jacquard tags",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			stack, err := ble.NewDefaultStack()
			if err != nil {
				return err
			}
			scanner, ok := stack.(ble.Scanner)
			if !ok {
				return fmt.Errorf("scan: %T does not support advertisement discovery", stack)
			}

			fmt.Printf("scanning for %s...\n", duration)
			results, err := scanner.Scan(context.Background(), duration)
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Println(yellow("no tags found"))
				return nil
			}
			for _, r := range results {
				serial, ok := advertisement.DecodeSerial(r.ManufacturerData)
				if !ok {
					continue
				}
				fmt.Printf("%s  %-20s  serial=%s\n", cyan(r.Peripheral.ID), r.Peripheral.Name, green(serial))
			}
			return nil
		},
	}
	cmd.Flags().DurationVarP(&duration, "duration", "d", 5*time.Second, "scan window")
	return cmd
}
