//go:build linux

package ble

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/muka/go-bluetooth/api"
	"github.com/muka/go-bluetooth/bluez/profile/adapter"
	"github.com/muka/go-bluetooth/bluez/profile/device"
	"github.com/muka/go-bluetooth/bluez/profile/gatt"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("component", "ble.gobluetooth")

// GoBluetoothStack is the default Linux Stack backed by BlueZ over DBus via
// github.com/muka/go-bluetooth, following the same GATT discovery and
// notify-subscribe flow as a typical BlueZ adapter wrapper.
type GoBluetoothStack struct {
	adapter *adapter.Adapter1

	mu       sync.Mutex
	devices  map[string]*device.Device1
	notifies map[string]chan []byte // peripheralID+"/"+charUUID -> channel

	events chan any
}

// NewGoBluetoothStack obtains the default powered-on BlueZ adapter.
func NewGoBluetoothStack() (*GoBluetoothStack, error) {
	a, err := api.GetDefaultAdapter()
	if err != nil {
		return nil, fmt.Errorf("ble: get default adapter: %w", err)
	}
	powered, err := a.GetPowered()
	if err != nil {
		return nil, fmt.Errorf("ble: get powered state: %w", err)
	}
	if !powered {
		if err := a.SetPowered(true); err != nil {
			return nil, fmt.Errorf("ble: power on adapter: %w", err)
		}
	}
	return &GoBluetoothStack{
		adapter:  a,
		devices:  make(map[string]*device.Device1),
		notifies: make(map[string]chan []byte),
		events:   make(chan any, 64),
	}, nil
}

func (s *GoBluetoothStack) Events() <-chan any { return s.events }

func (s *GoBluetoothStack) emit(ev any) {
	select {
	case s.events <- ev:
	default:
		logger.Warn("ble: event channel full, dropping event")
	}
}

func (s *GoBluetoothStack) Connect(ctx context.Context, id string) error {
	dev, err := device.NewDevice1(id)
	if err != nil {
		s.emit(ConnectFailedEvent{Peripheral: PeripheralHandle{ID: id}, Err: err})
		return err
	}
	s.mu.Lock()
	s.devices[id] = dev
	s.mu.Unlock()

	if err := dev.Connect(); err != nil {
		s.emit(ConnectFailedEvent{Peripheral: PeripheralHandle{ID: id}, Err: err})
		return err
	}
	name, _ := dev.GetName()
	s.emit(ConnectEvent{Peripheral: PeripheralHandle{ID: id, Name: name}})
	return nil
}

func (s *GoBluetoothStack) deviceFor(p PeripheralHandle) (*device.Device1, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev, ok := s.devices[p.ID]
	if !ok {
		return nil, ErrDeviceNotRegistered
	}
	return dev, nil
}

func (s *GoBluetoothStack) DiscoverServices(ctx context.Context, p PeripheralHandle, serviceUUIDs []string) error {
	dev, err := s.deviceFor(p)
	if err != nil {
		return err
	}
	uuids, err := dev.GetUUIDs()
	if err != nil {
		s.emit(ConnectFailedEvent{Peripheral: p, Err: err})
		return err
	}
	var matched []string
	for _, u := range uuids {
		for _, want := range serviceUUIDs {
			if strings.EqualFold(u, want) {
				matched = append(matched, u)
				break
			}
		}
	}
	s.emit(ServicesDiscoveredEvent{Peripheral: p, ServiceUUIDs: matched})
	return nil
}

func (s *GoBluetoothStack) DiscoverCharacteristics(ctx context.Context, p PeripheralHandle, svc string, charUUIDs []string) error {
	dev, err := s.deviceFor(p)
	if err != nil {
		return err
	}
	chars, err := dev.GetCharsList()
	if err != nil {
		return err
	}
	found := make(map[string]CharacteristicHandle)
	for _, path := range chars {
		ch, err := gatt.NewGattCharacteristic1(path)
		if err != nil {
			continue
		}
		uuid, err := ch.GetUUID()
		if err != nil {
			continue
		}
		wanted := false
		for _, w := range charUUIDs {
			if strings.EqualFold(w, uuid) {
				wanted = true
				break
			}
		}
		if !wanted {
			continue
		}
		flags, _ := ch.GetFlags()
		handle := CharacteristicHandle{UUID: uuid}
		for _, f := range flags {
			switch f {
			case "write":
				handle.SupportsWrite = true
			case "write-without-response":
				handle.SupportsWriteNoResp = true
			}
		}
		found[uuid] = handle
	}
	s.emit(CharacteristicsDiscoveredEvent{Peripheral: p, ServiceUUID: svc, Characteristics: found})
	return nil
}

func (s *GoBluetoothStack) SetNotify(ctx context.Context, p PeripheralHandle, charUUID string, enabled bool) error {
	dev, err := s.deviceFor(p)
	if err != nil {
		return err
	}
	char, err := dev.GetCharByUUID(charUUID)
	if err != nil {
		s.emit(NotificationStateEvent{Peripheral: p, CharUUID: charUUID, Err: err})
		return err
	}
	if !enabled {
		err := char.StopNotify()
		s.emit(NotificationStateEvent{Peripheral: p, CharUUID: charUUID, Err: err})
		return err
	}

	updates, err := char.WatchProperties()
	if err != nil {
		s.emit(NotificationStateEvent{Peripheral: p, CharUUID: charUUID, Err: err})
		return err
	}
	if err := char.StartNotify(); err != nil {
		s.emit(NotificationStateEvent{Peripheral: p, CharUUID: charUUID, Err: err})
		return err
	}

	key := p.ID + "/" + charUUID
	ch := make(chan []byte, 32)
	s.mu.Lock()
	s.notifies[key] = ch
	s.mu.Unlock()

	go func() {
		for update := range updates {
			if update.Name != "Value" {
				continue
			}
			if b, ok := update.Value.([]byte); ok {
				select {
				case ch <- b:
				default:
					logger.Warn("ble: notify channel full, dropping update")
				}
			}
		}
	}()

	s.emit(NotificationStateEvent{Peripheral: p, CharUUID: charUUID, Err: nil})
	return nil
}

func (s *GoBluetoothStack) Write(ctx context.Context, p PeripheralHandle, charUUID string, data []byte, kind WriteKind) error {
	dev, err := s.deviceFor(p)
	if err != nil {
		return err
	}
	char, err := dev.GetCharByUUID(charUUID)
	if err != nil {
		return err
	}
	options := make(map[string]interface{})
	if kind == WriteWithoutResponse {
		options["type"] = "command"
	} else {
		options["type"] = "request"
	}
	return char.WriteValue(data, options)
}

func (s *GoBluetoothStack) Notifications(p PeripheralHandle, charUUID string) (<-chan []byte, error) {
	key := p.ID + "/" + charUUID
	s.mu.Lock()
	ch, ok := s.notifies[key]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("ble: no active notification subscription for %s", charUUID)
	}
	return ch, nil
}

// Scan runs BlueZ discovery for duration and returns one result per
// manufacturer-data entry of every observed device, whatever its company
// id, reassembling the company-id prefix BlueZ strips off before handing
// the payload back. Filtering for Jacquard's manufacturer id is left to
// the decoder (pkg/advertisement).
func (s *GoBluetoothStack) Scan(ctx context.Context, duration time.Duration) ([]ScanResult, error) {
	if err := s.adapter.StartDiscovery(); err != nil {
		return nil, fmt.Errorf("ble: start discovery: %w", err)
	}
	defer s.adapter.StopDiscovery()

	select {
	case <-time.After(duration):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	paths, err := s.adapter.GetDevices()
	if err != nil {
		return nil, fmt.Errorf("ble: list devices: %w", err)
	}

	var results []ScanResult
	for _, path := range paths {
		dev, err := device.NewDevice1(string(path))
		if err != nil {
			continue
		}
		mfgData, err := dev.GetManufacturerData()
		if err != nil || len(mfgData) == 0 {
			continue
		}
		for companyID, payload := range mfgData {
			raw, ok := payload.([]byte)
			if !ok {
				continue
			}
			name, _ := dev.GetName()
			full := make([]byte, 2+len(raw))
			binary.BigEndian.PutUint16(full, companyID)
			copy(full[2:], raw)
			results = append(results, ScanResult{
				Peripheral:       PeripheralHandle{ID: string(path), Name: name},
				ManufacturerData: full,
			})
		}
	}
	return results, nil
}

func (s *GoBluetoothStack) Disconnect(ctx context.Context, p PeripheralHandle, userInitiated bool) error {
	dev, err := s.deviceFor(p)
	if err != nil {
		return err
	}
	err = dev.Disconnect()
	s.emit(DisconnectEvent{Peripheral: p, Err: err, UserInitiated: userInitiated})
	return err
}
