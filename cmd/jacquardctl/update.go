package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jacquard-go/jacquard/internal/ble"
	"github.com/jacquard-go/jacquard/internal/component"
	"github.com/jacquard-go/jacquard/internal/connection"
	"github.com/jacquard-go/jacquard/internal/firmware"
	"github.com/jacquard-go/jacquard/internal/wire"
)

func newUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update <peripheral-id>",
		Short: "Connect to a tag, check for a firmware update, and apply it",
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

			ctx := context.Background()
			tag, err := waitForConnected(ctx, m)
			if err != nil {
				return err
			}

			fmt.Printf("checking for update for %s/%s, current version %s\n", tag.VendorIDHex(), tag.ProductIDHex(), tag.Version.String())
			info, err := mgr.CheckForUpdate(ctx, tag)
			if err != nil {
				return err
			}
			if info == nil {
				fmt.Println(green("tag is already on the latest firmware"))
				return nil
			}
			fmt.Printf("update available: %s (%s)\n", info.Version, info.Status.String())

			tr := m.FirmwareTransport()
			if tr == nil {
				return fmt.Errorf("update: lost connection before transfer could start")
			}
			u := firmware.NewUpdate(tr, connectedQuery{m}, []firmware.DFUUpdateInfo{*info}, true)
			u.SetAttachedComponents(m.AttachedComponents())
			states, cancel := u.States()
			defer cancel()

			notifs, cancelNotifs := tr.NotificationStream()
			defer cancelNotifs()
			go func() {
				for n := range notifs {
					if n.Opcode == wire.OpcodeDFUExecuteNotification {
						if p, ok := n.Payload.(*wire.DFUExecuteNotificationPayload); ok {
							u.OnExecuteNotification(p)
						}
					}
				}
			}()

			if err := u.ApplyUpdates(); err != nil {
				return err
			}
			for s := range states {
				printUpdateState(s)
				switch s.Kind {
				case firmware.UpdateCompleted:
					return nil
				case firmware.UpdateError:
					return s.Err
				case firmware.UpdateStopped:
					return fmt.Errorf("update: stopped")
				}
			}
			return nil
		},
	}
	return cmd
}

// connectedQuery adapts connection.Machine to firmware's connectionQuery
// shape via its public State stream rather than an exported accessor, so
// firmware doesn't need a method dedicated to this one call site.
type connectedQuery struct {
	m *connection.Machine
}

func (c connectedQuery) IsConnected() bool {
	states, cancel := c.m.States()
	defer cancel()
	select {
	case s := <-states:
		return s.Kind == connection.Connected
	default:
		return false
	}
}

func printUpdateState(s firmware.UpdateState) {
	line := fmt.Sprintf("update: %s", s.Kind.String())
	if s.Progress > 0 {
		line = fmt.Sprintf("%s (%.0f%%)", line, s.Progress*100)
	}
	switch s.Kind {
	case firmware.UpdateCompleted:
		fmt.Println(green(line))
	case firmware.UpdateError:
		fmt.Println(red(fmt.Sprintf("%s: %v", line, s.Err)))
	default:
		fmt.Println(cyan(line))
	}
}

func waitForConnected(ctx context.Context, m *connection.Machine) (*component.Component, error) {
	states, cancel := m.States()
	defer cancel()
	m.Connect(ctx)
	for {
		select {
		case s, ok := <-states:
			if !ok {
				return nil, fmt.Errorf("connect: state stream closed")
			}
			printConnectionState(s)
			if s.Kind == connection.Connected {
				return s.Tag, nil
			}
			if s.Kind == connection.Disconnected {
				if s.Err != nil {
					return nil, s.Err
				}
				return nil, fmt.Errorf("connect: disconnected before reaching connected")
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
