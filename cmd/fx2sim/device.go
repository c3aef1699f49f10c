package main

import (
	"github.com/ardnew/usbfw/firmware/hal"
	"github.com/ardnew/usbfw/pkg"
	"github.com/ardnew/usbfw/setupdat"
)

// Simulated device identity.
const (
	vendorID  = 0x04B4 // Cypress
	productID = 0x8613 // FX2 default
)

const (
	epBulkOut = 0x02
	epBulkIn  = 0x86
)

var deviceDescriptor = []byte{
	18, setupdat.DescriptorTypeDevice,
	0x00, 0x02, // bcdUSB 2.00
	0xFF, 0xFF, 0xFF, // vendor class
	setupdat.MaxPacketSize,
	vendorID & 0xFF, vendorID >> 8,
	productID & 0xFF, productID >> 8,
	0x00, 0x01, // bcdDevice
	1, 2, 0, // manufacturer, product, serial
	1, // configurations
}

// configDescriptor returns the configuration with one vendor interface and
// a pair of bulk endpoints sized for the bus speed. Remote wakeup is
// advertised in bmAttributes.
func configDescriptor(speed hal.Speed) []byte {
	maxPacket := uint16(64)
	if speed == hal.SpeedHigh {
		maxPacket = 512
	}
	desc := []byte{
		9, setupdat.DescriptorTypeConfiguration,
		32, 0, // wTotalLength
		1,    // interfaces
		1,    // bConfigurationValue
		0,    // iConfiguration
		0xA0, // bus powered, remote wakeup
		50,   // 100 mA

		9, setupdat.DescriptorTypeInterface,
		0, 0, 2, 0xFF, 0xFF, 0xFF, 0,
	}
	for _, addr := range []byte{epBulkOut, epBulkIn} {
		desc = append(desc,
			7, setupdat.DescriptorTypeEndpoint,
			addr, 0x02,
			byte(maxPacket), byte(maxPacket>>8),
			0)
	}
	return desc
}

var stringTable = []string{"", "ardnew", "usbfw simulated FX2"}

func descriptors(speed hal.Speed, descType, index uint8) ([]byte, error) {
	switch descType {
	case setupdat.DescriptorTypeDevice:
		return deviceDescriptor, nil
	case setupdat.DescriptorTypeConfiguration:
		if index != 0 {
			return nil, pkg.ErrInvalidRequest
		}
		return configDescriptor(speed), nil
	case setupdat.DescriptorTypeDeviceQualifier:
		q := make([]byte, 10)
		q[0], q[1] = 10, setupdat.DescriptorTypeDeviceQualifier
		copy(q[2:8], deviceDescriptor[2:8])
		q[8] = 1
		return q, nil
	case setupdat.DescriptorTypeString:
		if index == 0 {
			return setupdat.LanguageDescriptor(), nil
		}
		if int(index) >= len(stringTable) {
			return nil, pkg.ErrInvalidRequest
		}
		return setupdat.StringDescriptor(stringTable[index])
	default:
		return nil, pkg.ErrNotSupported
	}
}

// productString decodes the product string the host would read.
func productString(speed hal.Speed) (string, error) {
	desc, err := descriptors(speed, setupdat.DescriptorTypeString, deviceDescriptor[15])
	if err != nil {
		return "", err
	}
	return setupdat.DecodeStringDescriptor(desc)
}

// newHandler creates the setup-data handler for the simulated device.
func newHandler(ep0 setupdat.EP0) (*setupdat.Handler, error) {
	return setupdat.NewHandler(ep0,
		setupdat.WithDescriptors(descriptors),
		setupdat.WithInterfaces(1),
		setupdat.WithEndpoints(epBulkOut, epBulkIn),
	)
}
