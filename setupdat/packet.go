package setupdat

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/usbfw/pkg"
)

// Standard request codes (USB 2.0 Table 9-4).
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestSetDescriptor    = 0x07
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
	RequestGetInterface     = 0x0A
	RequestSetInterface     = 0x0B
	RequestSynchFrame       = 0x0C
)

// Feature selectors (USB 2.0 Table 9-6).
const (
	FeatureEndpointHalt       = 0x00
	FeatureDeviceRemoteWakeup = 0x01
	FeatureTestMode           = 0x02
)

// Descriptor types (USB 2.0 Table 9-5).
const (
	DescriptorTypeDevice           = 0x01
	DescriptorTypeConfiguration    = 0x02
	DescriptorTypeString           = 0x03
	DescriptorTypeInterface        = 0x04
	DescriptorTypeEndpoint         = 0x05
	DescriptorTypeDeviceQualifier  = 0x06
	DescriptorTypeOtherSpeedConfig = 0x07
)

// bmRequestType fields (USB 2.0 Table 9-2).
const (
	DirectionMask = 0x80
	TypeMask      = 0x60
	RecipientMask = 0x1F

	DirectionOut = 0x00 // Host to device
	DirectionIn  = 0x80 // Device to host

	TypeStandard = 0x00
	TypeClass    = 0x20
	TypeVendor   = 0x40

	RecipientDevice    = 0x00
	RecipientInterface = 0x01
	RecipientEndpoint  = 0x02
	RecipientOther     = 0x03
)

// SetupPacketSize is the size of a SETUP packet in bytes.
const SetupPacketSize = 8

// SetupPacket is the 8-byte request that opens a control transfer.
type SetupPacket struct {
	RequestType uint8  // bmRequestType
	Request     uint8  // bRequest
	Value       uint16 // wValue
	Index       uint16 // wIndex
	Length      uint16 // wLength
}

// ParseSetupPacket decodes the little-endian packet in data into out.
func ParseSetupPacket(data []byte, out *SetupPacket) error {
	if len(data) < SetupPacketSize {
		return pkg.ErrSetupPacketTooShort
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = binary.LittleEndian.Uint16(data[2:4])
	out.Index = binary.LittleEndian.Uint16(data[4:6])
	out.Length = binary.LittleEndian.Uint16(data[6:8])
	return nil
}

// MarshalTo encodes the packet into buf and returns the number of bytes
// written, or 0 if buf is too small.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	binary.LittleEndian.PutUint16(buf[2:4], s.Value)
	binary.LittleEndian.PutUint16(buf[4:6], s.Index)
	binary.LittleEndian.PutUint16(buf[6:8], s.Length)
	return SetupPacketSize
}

// Bytes returns the encoded packet.
func (s *SetupPacket) Bytes() []byte {
	buf := make([]byte, SetupPacketSize)
	s.MarshalTo(buf)
	return buf
}

// IsIn reports a device-to-host data stage.
func (s *SetupPacket) IsIn() bool {
	return s.RequestType&DirectionMask == DirectionIn
}

// Type returns the request type bits.
func (s *SetupPacket) Type() uint8 {
	return s.RequestType & TypeMask
}

// Recipient returns the recipient bits.
func (s *SetupPacket) Recipient() uint8 {
	return s.RequestType & RecipientMask
}

// DescriptorType returns the descriptor type from the wValue high byte.
func (s *SetupPacket) DescriptorType() uint8 {
	return uint8(s.Value >> 8)
}

// DescriptorIndex returns the descriptor index from the wValue low byte.
func (s *SetupPacket) DescriptorIndex() uint8 {
	return uint8(s.Value)
}

// Target returns the interface number or endpoint address in wIndex.
func (s *SetupPacket) Target() uint8 {
	return uint8(s.Index)
}

// String returns a human-readable representation of the packet.
func (s *SetupPacket) String() string {
	dir := "OUT"
	if s.IsIn() {
		dir = "IN"
	}
	typ := "Standard"
	switch s.Type() {
	case TypeClass:
		typ = "Class"
	case TypeVendor:
		typ = "Vendor"
	case TypeMask:
		typ = "Reserved"
	}
	recip := "Device"
	switch s.Recipient() {
	case RecipientDevice:
	case RecipientInterface:
		recip = "Interface"
	case RecipientEndpoint:
		recip = "Endpoint"
	default:
		recip = "Other"
	}
	return fmt.Sprintf("SETUP[%s %s %s] Request=0x%02X Value=0x%04X Index=0x%04X Length=%d",
		dir, typ, recip, s.Request, s.Value, s.Index, s.Length)
}
