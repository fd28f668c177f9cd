package usb

import (
	"encoding/binary"
	"fmt"
)

// Vendor control requests of the Android Open Accessory protocol.
// See https://source.android.com/devices/accessories/aoa2
const (
	vendorIn  uint8 = 0xC0
	vendorOut uint8 = 0x40

	getProtocolRequest    uint8 = 51
	sendStringRequest     uint8 = 52
	startAccessoryRequest uint8 = 53
)

// Accessory holds the identification strings sent during the handshake, in
// string index order 0..5.
type Accessory struct {
	Manufacturer string
	Model        string
	Description  string
	Version      string
	URI          string
	Serial       string
}

// DefaultAccessory identifies the head unit to the phone's Android Auto app.
var DefaultAccessory = Accessory{
	Manufacturer: "Android",
	Model:        "Android Auto",
	Description:  "Android Auto",
	Version:      "2.0.1",
	URI:          "https://developer.android.com/auto",
	Serial:       "HU-AAAAAA001",
}

func (a Accessory) strings() []string {
	return []string{a.Manufacturer, a.Model, a.Description, a.Version, a.URI, a.Serial}
}

// protocolVersion queries GET_PROTOCOL; 0 means accessory mode is unsupported.
func protocolVersion(dev Device) (uint16, error) {
	buf := make([]byte, 2)
	n, err := dev.Control(vendorIn, getProtocolRequest, 0, 0, buf)
	if err != nil {
		return 0, fmt.Errorf("get protocol: %w", err)
	}
	if n < 2 {
		return 0, fmt.Errorf("get protocol: short reply (%d bytes)", n)
	}
	return binary.LittleEndian.Uint16(buf), nil
}

func sendString(dev Device, idx uint16, s string) error {
	data := append([]byte(s), 0)
	if _, err := dev.Control(vendorOut, sendStringRequest, 0, idx, data); err != nil {
		return fmt.Errorf("send string %d: %w", idx, err)
	}
	return nil
}

// switchToAccessory sends the identification strings then START. The device
// drops off the bus and re-enumerates with accessory vendor/product ids.
func switchToAccessory(dev Device, acc Accessory) error {
	for i, s := range acc.strings() {
		if err := sendString(dev, uint16(i), s); err != nil {
			return err
		}
	}
	if _, err := dev.Control(vendorOut, startAccessoryRequest, 0, 0, nil); err != nil {
		return fmt.Errorf("start accessory: %w", err)
	}
	return nil
}
