// Package usbprobe finds cameras on the USB bus without opening them
package usbprobe

import (
	"fmt"
	"sort"

	"github.com/google/gousb"
	"github.com/kybfarm/hsi/fault"
)

// IDSVendor is the USB vendor ID of IDS Imaging (uEye cameras)
const IDSVendor gousb.ID = 0x1409

// Device is one enumerated USB device
type Device struct {
	Bus     int      `json:"bus"`
	Address int      `json:"address"`
	Vendor  gousb.ID `json:"vendor"`
	Product gousb.ID `json:"product"`
	Speed   string   `json:"speed"`
}

func (d Device) String() string {
	return fmt.Sprintf("bus %03d device %03d: ID %s:%s (%s)", d.Bus, d.Address, d.Vendor, d.Product, d.Speed)
}

// filter returns the descriptors made by vid, ordered by bus then address
func filter(descs []*gousb.DeviceDesc, vid gousb.ID) []Device {
	var out []Device
	for _, d := range descs {
		if d.Vendor != vid {
			continue
		}
		out = append(out, Device{Bus: d.Bus, Address: d.Address, Vendor: d.Vendor, Product: d.Product, Speed: d.Speed.String()})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Bus != out[j].Bus {
			return out[i].Bus < out[j].Bus
		}
		return out[i].Address < out[j].Address
	})
	return out
}

// Find lists the attached devices with the given vendor ID
func Find(vid gousb.ID) ([]Device, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()
	var descs []*gousb.DeviceDesc
	// returning false never opens a device, only the descriptors are read
	_, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		descs = append(descs, desc)
		return false
	})
	if err != nil {
		return nil, fault.Wrap(fault.ConnectionFailure, "usbprobe.Find", "enumerating USB devices", err)
	}
	return filter(descs, vid), nil
}

// RequireCamera returns a ConnectionFailure if no IDS camera is attached
func RequireCamera() error {
	devs, err := Find(IDSVendor)
	if err != nil {
		return err
	}
	if len(devs) == 0 {
		return fault.New(fault.ConnectionFailure, "usbprobe.RequireCamera", "no IDS camera on the USB bus")
	}
	return nil
}
