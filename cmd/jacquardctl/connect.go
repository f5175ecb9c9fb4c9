package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jacquard-go/jacquard/internal/ble"
	"github.com/jacquard-go/jacquard/internal/connection"
	"github.com/jacquard-go/jacquard/internal/firmware"
	"github.com/jacquard-go/jacquard/internal/wire"
)

func newConnectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect <peripheral-id>",
		Short: "Connect to a tag and hold the connection open",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			stack, err := ble.NewDefaultStack()
			if err != nil {
				return err
			}
			registry := connection.NewRegistry(stack)
			defer registry.Close()

			cache, err := firmware.NewSQLiteCache(cfg.Firmware.CachePath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "warning: firmware cache unavailable: %v\n", err)
				cache = nil
			}
			mgr := firmware.NewManager(firmware.NewHTTPCloudClient(nil), cache)

			p := ble.PeripheralHandle{ID: args[0]}
			m := connection.New(stack, p, wire.JSONSerializer{}, cfg.Connection.ConnectTimeout,
				connection.WithBadFirmwareVersions(cfg.Connection.BadFirmwareVersions...),
				connection.WithFirmwareStarter(mgr),
			)
			registry.Register(p.ID, m)
			defer registry.Unregister(p.ID)
			defer m.Close()

			states, cancel := m.States()
			defer cancel()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			m.Connect(ctx)

			for {
				select {
				case s, ok := <-states:
					if !ok {
						return nil
					}
					printConnectionState(s)
					if s.Kind == connection.Disconnected {
						if s.Err != nil {
							return s.Err
						}
						return nil
					}
					if s.Kind == connection.Connected {
						fmt.Println(green("connected, press ctrl-c to disconnect"))
					}
				case <-ctx.Done():
					return nil
				}
			}
		},
	}
	return cmd
}

func printConnectionState(s connection.State) {
	line := fmt.Sprintf("[%d/%d] %s", s.Step, s.Total, s.Kind.String())
	switch s.Kind {
	case connection.Connected:
		fmt.Println(green(line))
	case connection.Disconnected:
		if s.Err != nil {
			fmt.Println(red(fmt.Sprintf("%s: %v", line, s.Err)))
		} else {
			fmt.Println(yellow(line))
		}
	default:
		fmt.Println(cyan(line))
	}
}
