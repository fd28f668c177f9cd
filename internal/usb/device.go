package usb

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// Sentinel errors. Device implementations map their native errors onto
// ErrTimeout and ErrDeviceGone so the state machine can classify them.
var (
	ErrTimeout     = errors.New("usb transfer timeout")
	ErrDeviceGone  = errors.New("usb device gone")
	ErrStaleDevice = errors.New("usb device stale")
	ErrNoEndpoints = errors.New("usb bulk endpoints not found")
)

// Accessory-mode identifiers.
const (
	GoogleVendorID          uint16 = 0x18D1
	AccessoryProductID      uint16 = 0x2D00
	AccessoryADBProductID   uint16 = 0x2D01
	accessoryAudioProductID uint16 = 0x2D04
	accessoryAudioADBID     uint16 = 0x2D05
)

// KnownVendors lists vendor ids of Android phone makers probed for AOAP.
var KnownVendors = []uint16{
	0x18D1, // Google
	0x04E8, // Samsung
	0x22B8, // Motorola
	0x0BB4, // HTC
	0x12D1, // Huawei
	0x2717, // Xiaomi
	0x1949, // Amazon
	0x2A70, // OnePlus
	0x05C6, // Qualcomm
	0x0FCE, // Sony
	0x2916, // Yota
	0x1004, // LG
	0x0502, // Acer
	0x0B05, // Asus
	0x2A96, // Essential
	0x19D2, // ZTE
	0x1782, // Spreadtrum
}

// DeviceInfo is the identity of an enumerated device.
type DeviceInfo struct {
	Vendor  uint16
	Product uint16
	Bus     int
	Address int
}

// Accessory reports whether the device already runs in accessory mode.
func (d DeviceInfo) Accessory() bool {
	if d.Vendor != GoogleVendorID {
		return false
	}
	switch d.Product {
	case AccessoryProductID, AccessoryADBProductID, accessoryAudioProductID, accessoryAudioADBID:
		return true
	}
	return false
}

func (d DeviceInfo) String() string {
	return fmt.Sprintf("%04x:%04x@%d.%d", d.Vendor, d.Product, d.Bus, d.Address)
}

func knownVendor(vendors []uint16, v uint16) bool { return slices.Contains(vendors, v) }

// Device is an opened USB device handle. It is never reused across the
// accessory-mode re-enumeration: the scan loop closes it and opens the new
// device the bus reports.
type Device interface {
	Info() DeviceInfo
	// Control issues a control transfer bounded by the bus control timeout.
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
	// OpenBulk selects the configuration, claims the accessory interface and
	// locates its bulk IN/OUT endpoints.
	OpenBulk() error
	Read(ctx context.Context, p []byte) (int, error)
	Write(ctx context.Context, p []byte) (int, error)
	// ClearHalt clears a stall on the OUT (out=true) or IN endpoint.
	ClearHalt(out bool) error
	Reset() error
	Close() error
}

// Bus enumerates devices.
type Bus interface {
	// OpenDevices opens every device whose info satisfies match. The caller
	// owns and must close every returned device.
	OpenDevices(match func(DeviceInfo) bool) ([]Device, error)
	Close() error
}

// DeviceState tracks the lifecycle of the current device slot.
type DeviceState int

const (
	StateDisconnected DeviceState = iota
	StateDetected
	StateAOAPHandshake
	StateAOAPMode
	StateConnected
	StateError
)

func (s DeviceState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateDetected:
		return "detected"
	case StateAOAPHandshake:
		return "aoap_handshake"
	case StateAOAPMode:
		return "aoap_mode"
	case StateConnected:
		return "connected"
	default:
		return "error"
	}
}
