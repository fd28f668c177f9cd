package usb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/gousb"
)

const (
	// standard request CLEAR_FEATURE(ENDPOINT_HALT) addressed to an endpoint
	stdEndpointOut      uint8  = 0x02
	clearFeature        uint8  = 0x01
	featureEndpointHalt uint16 = 0x00
)

type gousbBus struct {
	ctx            *gousb.Context
	controlTimeout time.Duration
}

// OpenBus returns a libusb-backed bus. Control transfers on devices it opens
// time out after controlTimeout.
func OpenBus(controlTimeout time.Duration) (Bus, error) {
	return &gousbBus{ctx: gousb.NewContext(), controlTimeout: controlTimeout}, nil
}

func (b *gousbBus) OpenDevices(match func(DeviceInfo) bool) ([]Device, error) {
	devs, err := b.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return match(infoFromDesc(desc))
	})
	// OpenDevices returns the devices it could open alongside the first error.
	out := make([]Device, 0, len(devs))
	for _, d := range devs {
		if d == nil {
			continue
		}
		d.ControlTimeout = b.controlTimeout
		_ = d.SetAutoDetach(true)
		out = append(out, &gousbDevice{dev: d})
	}
	if len(out) == 0 && err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

func (b *gousbBus) Close() error { return b.ctx.Close() }

func infoFromDesc(d *gousb.DeviceDesc) DeviceInfo {
	return DeviceInfo{Vendor: uint16(d.Vendor), Product: uint16(d.Product), Bus: d.Bus, Address: d.Address}
}

type gousbDevice struct {
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	in   *gousb.InEndpoint
	out  *gousb.OutEndpoint
}

func (d *gousbDevice) Info() DeviceInfo { return infoFromDesc(d.dev.Desc) }

func (d *gousbDevice) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	n, err := d.dev.Control(rType, request, val, idx, data)
	return n, mapErr(err)
}

func (d *gousbDevice) OpenBulk() error {
	num, err := d.dev.ActiveConfigNum()
	if err != nil || num == 0 {
		num = 1
	}
	cfg, err := d.dev.Config(num)
	if err != nil {
		return fmt.Errorf("config %d: %w", num, mapErr(err))
	}
	intf, err := accessoryInterface(cfg)
	if err != nil {
		_ = cfg.Close()
		return err
	}
	for _, ep := range intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		switch ep.Direction {
		case gousb.EndpointDirectionIn:
			if d.in == nil {
				d.in, err = intf.InEndpoint(ep.Number)
			}
		case gousb.EndpointDirectionOut:
			if d.out == nil {
				d.out, err = intf.OutEndpoint(ep.Number)
			}
		}
		if err != nil {
			break
		}
	}
	if err != nil || d.in == nil || d.out == nil {
		intf.Close()
		_ = cfg.Close()
		d.in, d.out = nil, nil
		if err != nil {
			return fmt.Errorf("%w: %v", ErrNoEndpoints, err)
		}
		return ErrNoEndpoints
	}
	d.cfg, d.intf = cfg, intf
	return nil
}

// accessoryInterface prefers the vendor-specific (0xff/0xff) interface and
// falls back to interface 0, alternate 0.
func accessoryInterface(cfg *gousb.Config) (*gousb.Interface, error) {
	for _, id := range cfg.Desc.Interfaces {
		for _, is := range id.AltSettings {
			if is.Class == gousb.ClassVendorSpec && is.SubClass == gousb.ClassVendorSpec {
				return cfg.Interface(is.Number, is.Alternate)
			}
		}
	}
	intf, err := cfg.Interface(0, 0)
	if err != nil {
		return nil, fmt.Errorf("claim interface: %w", mapErr(err))
	}
	return intf, nil
}

func (d *gousbDevice) Read(ctx context.Context, p []byte) (int, error) {
	if d.in == nil {
		return 0, ErrNoEndpoints
	}
	n, err := d.in.ReadContext(ctx, p)
	return n, mapErr(err)
}

func (d *gousbDevice) Write(ctx context.Context, p []byte) (int, error) {
	if d.out == nil {
		return 0, ErrNoEndpoints
	}
	n, err := d.out.WriteContext(ctx, p)
	return n, mapErr(err)
}

func (d *gousbDevice) ClearHalt(out bool) error {
	var addr gousb.EndpointAddress
	switch {
	case out && d.out != nil:
		addr = d.out.Desc.Address
	case !out && d.in != nil:
		addr = d.in.Desc.Address
	default:
		return ErrNoEndpoints
	}
	_, err := d.dev.Control(stdEndpointOut, clearFeature, featureEndpointHalt, uint16(addr), nil)
	return mapErr(err)
}

func (d *gousbDevice) Reset() error { return mapErr(d.dev.Reset()) }

func (d *gousbDevice) Close() error {
	if d.intf != nil {
		d.intf.Close()
		d.intf = nil
	}
	if d.cfg != nil {
		_ = d.cfg.Close()
		d.cfg = nil
	}
	d.in, d.out = nil, nil
	return d.dev.Close()
}

// mapErr folds libusb timeout and disconnect codes onto package sentinels.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gousb.ErrorTimeout), errors.Is(err, gousb.TransferTimedOut),
		errors.Is(err, gousb.TransferCancelled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, gousb.ErrorNoDevice), errors.Is(err, gousb.TransferNoDevice):
		return fmt.Errorf("%w: %v", ErrDeviceGone, err)
	default:
		return err
	}
}
