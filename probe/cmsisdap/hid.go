// +build !no_libudev

package cmsisdap

// DAP v1 backend: command/response exchange over HID reports.

import (
	"context"

	"github.com/cesanta/hid"
	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/mdbg/transport"
)

type hidDev struct {
	d  hid.Device
	di *hid.DeviceInfo
}

// OpenHID opens a DAP v1 probe (HID interface) by VID/PID and optional
// serial number.
func OpenHID(ctx context.Context, opts Options) (transport.Transport, error) {
	devs, err := hid.Devices()
	if err != nil {
		return nil, errors.Annotatef(err, "failed to enumerate HID devices")
	}
	for i, di := range devs {
		glog.V(1).Infof("%d: %04x:%04x %s", i, di.VendorID, di.ProductID, di.Path)
		if di.VendorID != opts.VID || di.ProductID != opts.PID {
			continue
		}
		d, err := di.Open()
		if err != nil {
			return nil, errors.Annotatef(err, "failed to open device %04x:%04x (%s)", di.VendorID, di.ProductID, di.Path)
		}
		glog.Infof("Opened %04x:%04x (%s)", di.VendorID, di.ProductID, di.Path)
		return newProbe(ctx, &hidDev{d: d, di: di}, opts)
	}
	return nil, errors.NotFoundf("device %04x:%04x", opts.VID, opts.PID)
}

func (h *hidDev) exchange(ctx context.Context, req []byte) ([]byte, error) {
	// HID report number (unused) goes first.
	if err := h.d.Write(append([]byte{0}, req...)); err != nil {
		return nil, errors.Annotatef(err, "device write failed")
	}
	select {
	case <-ctx.Done():
		return nil, errors.Annotatef(ctx.Err(), "DAP exchange")
	case resp, ok := <-h.d.ReadCh():
		if !ok {
			return nil, errors.Annotatef(h.d.ReadError(), "device read failed")
		}
		return resp, nil
	}
}

func (h *hidDev) close() error {
	if h.d != nil {
		h.d.Close()
	}
	return nil
}
