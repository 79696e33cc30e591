package cmsisdap

// DAP v2 backend: command/response exchange over USB bulk endpoints
// (vendor-specific interface class).

import (
	"context"

	"github.com/golang/glog"
	"github.com/google/gousb"
	"github.com/juju/errors"

	"github.com/mongoose-os/mdbg/transport"
)

type bulkDev struct {
	uctx *gousb.Context
	dev  *gousb.Device
	done func()
	in   *gousb.InEndpoint
	out  *gousb.OutEndpoint
}

// OpenBulk opens a DAP v2 probe (USB bulk interface) by VID/PID and
// optional serial number.
func OpenBulk(ctx context.Context, opts Options) (transport.Transport, error) {
	uctx := gousb.NewContext()
	devs, err := uctx.OpenDevices(func(dd *gousb.DeviceDesc) bool {
		result := dd.Vendor == gousb.ID(opts.VID) && dd.Product == gousb.ID(opts.PID)
		glog.V(1).Infof("Dev %+v", dd)
		return result
	})
	// OpenDevices may fail overall but still return results. Only fail if
	// no devices were returned.
	if err != nil && len(devs) == 0 {
		uctx.Close()
		return nil, errors.Annotatef(err, "failed to enumerate USB devices")
	}
	var dev *gousb.Device
	for _, d := range devs {
		if dev != nil {
			d.Close()
			continue
		}
		sn, _ := d.SerialNumber()
		glog.V(1).Infof("Dev %+v sn '%s'", d, sn)
		if opts.Serial == "" || sn == opts.Serial {
			dev = d
		} else {
			d.Close()
		}
	}
	if dev == nil {
		uctx.Close()
		return nil, errors.Errorf("no device matching %04x:%04x found", opts.VID, opts.PID)
	}
	bd, err := claimBulk(uctx, dev)
	if err != nil {
		dev.Close()
		uctx.Close()
		return nil, errors.Trace(err)
	}
	return newProbe(ctx, bd, opts)
}

// claimBulk finds the vendor-specific DAP interface and claims its bulk
// endpoint pair (out first, then in, per the DAP v2 spec).
func claimBulk(uctx *gousb.Context, dev *gousb.Device) (*bulkDev, error) {
	cfg, err := dev.Config(1)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to get config")
	}
	for _, id := range cfg.Desc.Interfaces {
		alt := id.AltSettings[0]
		if alt.Class != gousb.ClassVendorSpec {
			continue
		}
		var inNum, outNum int
		found := 0
		for _, ep := range alt.Endpoints {
			if ep.TransferType != gousb.TransferTypeBulk {
				continue
			}
			if ep.Direction == gousb.EndpointDirectionIn {
				inNum = ep.Number
			} else {
				outNum = ep.Number
			}
			found++
		}
		if found < 2 {
			continue
		}
		intf, err := cfg.Interface(id.Number, 0)
		if err != nil {
			return nil, errors.Annotatef(err, "failed to claim interface %d", id.Number)
		}
		in, err := intf.InEndpoint(inNum)
		if err != nil {
			return nil, errors.Annotatef(err, "failed to open IN endpoint")
		}
		out, err := intf.OutEndpoint(outNum)
		if err != nil {
			return nil, errors.Annotatef(err, "failed to open OUT endpoint")
		}
		glog.V(1).Infof("claimed interface %d, EP in %d out %d", id.Number, inNum, outNum)
		return &bulkDev{uctx: uctx, dev: dev, done: intf.Close, in: in, out: out}, nil
	}
	return nil, errors.Errorf("no vendor-specific bulk interface found")
}

func (b *bulkDev) exchange(ctx context.Context, req []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Annotatef(err, "DAP exchange")
	}
	if _, err := b.out.Write(req); err != nil {
		return nil, errors.Annotatef(err, "device write failed")
	}
	buf := make([]byte, b.in.Desc.MaxPacketSize)
	n, err := b.in.Read(buf)
	if err != nil {
		return nil, errors.Annotatef(err, "device read failed")
	}
	return buf[:n], nil
}

func (b *bulkDev) close() error {
	if b.done != nil {
		b.done()
	}
	if b.dev != nil {
		b.dev.Close()
	}
	if b.uctx != nil {
		b.uctx.Close()
	}
	return nil
}
