package firmware

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/jacquard-go/jacquard/internal/component"
	"github.com/jacquard-go/jacquard/internal/connection"
	"github.com/jacquard-go/jacquard/internal/wire"
)

// Manager ties the cloud lookup, local cache, and transfer orchestrator
// together into the single capability connection.Machine needs for its
// firmware-recovery step, and that jacquardctl's update
// command drives for an explicit check-and-apply.
type Manager struct {
	logger *logrus.Entry
	cloud  CloudClient
	cache  Cache
}

// NewManager constructs a Manager. cache may be nil, in which case every
// lookup goes straight to cloud.
func NewManager(cloud CloudClient, cache Cache) *Manager {
	return &Manager{
		logger: logrus.WithField("component", "firmware_manager"),
		cloud:  cloud,
		cache:  cache,
	}
}

// CheckForUpdate resolves the best-known DFUUpdateInfo for a component,
// preferring a fresh cache entry (within the 12-hour freshness window)
// over a cloud round trip. Returns (nil, nil) if no update is available.
func (mgr *Manager) CheckForUpdate(ctx context.Context, c *component.Component) (*DFUUpdateInfo, error) {
	if mgr.cache != nil && mgr.cache.IsFresh(c.VendorID, c.ProductID) {
		if info, ok := mgr.cache.GetUpdateInfo(c.VendorID, c.ProductID); ok {
			if image, ok := mgr.cache.GetImage(c.VendorID, c.ProductID); ok {
				info.Binary = image
				info.CRC = crc16CCITT(0, image)
				return info, nil
			}
		}
	}

	params := DeviceFirmwareParams{
		VendorID:       c.VendorID,
		ProductID:      c.ProductID,
		CurrentVersion: EncodeVersion(uint8(c.Version.Major), uint8(c.Version.Minor), uint8(c.Version.Patch)),
		ComponentID:    c.ComponentID,
	}
	info, err := mgr.cloud.GetDeviceFirmware(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("firmware: cloud lookup: %w", err)
	}
	if info == nil || info.Status == StatusNone {
		return nil, nil
	}

	image, err := mgr.cloud.DownloadImage(ctx, info.DownloadURL)
	if err != nil {
		return nil, fmt.Errorf("firmware: download image: %w", err)
	}
	info.Binary = image
	info.CRC = crc16CCITT(0, image)

	if mgr.cache != nil {
		if err := mgr.cache.PutUpdateInfo(c.VendorID, c.ProductID, info); err != nil {
			mgr.logger.WithError(err).Warn("firmware_manager: failed to cache update info")
		}
		if err := mgr.cache.PutImage(c.VendorID, c.ProductID, image); err != nil {
			mgr.logger.WithError(err).Warn("firmware_manager: failed to cache image")
		}
	}
	return info, nil
}

// StartRecoveryUpdate implements connection.FirmwareStarter: look up the
// update CheckForUpdate reports for tag (whatever its status) and drive it
// to completion over tr, calling
// done exactly once. ApplyUpdates runs its own battery_status preflight
// query against tr before transferring.
func (mgr *Manager) StartRecoveryUpdate(tag *component.Component, tr connection.FirmwareTransport, done func(error)) {
	ctx := context.Background()
	info, err := mgr.CheckForUpdate(ctx, tag)
	if err != nil {
		done(err)
		return
	}
	if info == nil {
		done(fmt.Errorf("firmware: no recovery image available for %s %s", tag.VendorIDHex(), tag.ProductIDHex()))
		return
	}

	u := NewUpdate(tr, nil, []DFUUpdateInfo{*info}, true)

	notifDone := make(chan struct{})
	notifs, cancelNotifs := tr.NotificationStream()
	go func() {
		defer cancelNotifs()
		for {
			select {
			case n, ok := <-notifs:
				if !ok {
					return
				}
				if n.Opcode == wire.OpcodeDFUExecuteNotification {
					if p, ok := n.Payload.(*wire.DFUExecuteNotificationPayload); ok {
						u.OnExecuteNotification(p)
					}
				}
			case <-notifDone:
				return
			}
		}
	}()

	states, cancel := u.States()
	go func() {
		defer cancel()
		defer close(notifDone)
		for s := range states {
			switch s.Kind {
			case UpdateCompleted:
				done(nil)
				return
			case UpdateError:
				done(s.Err)
				return
			case UpdateStopped:
				done(fmt.Errorf("firmware: recovery update stopped"))
				return
			}
		}
	}()
	if err := u.ApplyUpdates(); err != nil {
		done(err)
	}
}
