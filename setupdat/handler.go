package setupdat

import (
	"encoding/binary"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ardnew/usbfw/firmware"
	"github.com/ardnew/usbfw/firmware/hal"
	"github.com/ardnew/usbfw/pkg"
)

// MaxPacketSize is the EP0 packet size. Longer IN data stages are written
// in packets of this size.
const MaxPacketSize = 64

// MaxResponseSize bounds a single control response.
const MaxResponseSize = 512

// MaxInterfaces is the number of interfaces tracked for alternate settings.
const MaxInterfaces = 16

// Device status bits returned by GET_STATUS (USB 2.0 Figure 9-4).
const (
	StatusSelfPowered  = 1 << 0
	StatusRemoteWakeup = 1 << 1
)

// EP0 is the control endpoint as seen by the handler.
type EP0 interface {
	// ReadSetup copies the pending SETUP packet into buf.
	ReadSetup(buf []byte) (int, error)
	// Read copies the OUT data stage into buf.
	Read(buf []byte) (int, error)
	// Write queues one IN packet.
	Write(data []byte) error
	// Stall rejects the current request.
	Stall() error
	// Ack completes the status stage.
	Ack() error
}

// DescriptorFunc returns the descriptor of the given type and index for
// the current bus speed. A nil result or an error stalls the request.
type DescriptorFunc func(speed hal.Speed, descType, index uint8) ([]byte, error)

// RequestFunc answers a class or vendor request. data holds the OUT data
// stage; the returned bytes are sent as the IN data stage.
type RequestFunc func(setup *SetupPacket, data []byte) ([]byte, error)

// ConfigureFunc is called after SET_CONFIGURATION or SET_INTERFACE
// succeeds. Returning an error stalls the request.
type ConfigureFunc func(config uint8, iface uint8, alt uint8) error

// Handler answers control requests on EP0 and tracks the device state the
// dispatch loop asks about: bus speed and remote-wakeup permission.
//
// HandleSetupData runs on the dispatch loop. HandleSpeedChange runs in
// interrupt context and only touches atomics.
type Handler struct {
	ep0         EP0
	descriptors DescriptorFunc
	vendor      RequestFunc
	class       RequestFunc
	configure   ConfigureFunc
	selfPowered bool
	configs     uint8
	alts        []uint8        // alternate setting count per interface
	endpoints   map[uint8]bool // configured non-control endpoint addresses

	// Written from interrupt context
	speed        atomic.Uint32
	remoteWakeup atomic.Bool
	state        atomic.Uint64 // bus reset count << 8 | configuration value

	// Dispatch loop state
	mutex     sync.Mutex
	resets    uint64               // reset count current and halted belong to
	current   [MaxInterfaces]uint8 // selected alternate settings
	halted    map[uint8]bool
	setupBuf  [SetupPacketSize]byte
	dataBuf   [MaxResponseSize]byte
	statusBuf [2]byte
}

// Option configures a Handler.
type Option func(*Handler)

// WithDescriptors sets the GET_DESCRIPTOR source.
func WithDescriptors(fn DescriptorFunc) Option {
	return func(h *Handler) { h.descriptors = fn }
}

// WithVendorHandler sets the vendor request handler.
func WithVendorHandler(fn RequestFunc) Option {
	return func(h *Handler) { h.vendor = fn }
}

// WithClassHandler sets the class request handler.
func WithClassHandler(fn RequestFunc) Option {
	return func(h *Handler) { h.class = fn }
}

// WithConfigureHook sets the callback run after configuration changes.
func WithConfigureHook(fn ConfigureFunc) Option {
	return func(h *Handler) { h.configure = fn }
}

// WithSelfPowered reports the device as self-powered in GET_STATUS.
func WithSelfPowered(selfPowered bool) Option {
	return func(h *Handler) { h.selfPowered = selfPowered }
}

// WithConfigurations sets the number of configurations. Values 1..n are
// accepted by SET_CONFIGURATION.
func WithConfigurations(n uint8) Option {
	return func(h *Handler) { h.configs = n }
}

// WithInterfaces declares the interfaces of the configuration by their
// number of alternate settings.
func WithInterfaces(alts ...uint8) Option {
	return func(h *Handler) {
		if len(alts) > MaxInterfaces {
			alts = alts[:MaxInterfaces]
		}
		h.alts = append([]uint8(nil), alts...)
	}
}

// WithEndpoints declares the non-control endpoint addresses that accept
// halt requests.
func WithEndpoints(addrs ...uint8) Option {
	return func(h *Handler) {
		for _, addr := range addrs {
			h.endpoints[addr] = true
		}
	}
}

// NewHandler creates a handler for ep0. By default it has one
// configuration with a single interface and no endpoints besides EP0.
func NewHandler(ep0 EP0, opts ...Option) (*Handler, error) {
	if ep0 == nil {
		return nil, pkg.ErrInvalidParameter
	}
	h := &Handler{
		ep0:       ep0,
		configs:   1,
		alts:      []uint8{1},
		endpoints: make(map[uint8]bool),
		halted:    make(map[uint8]bool),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.speed.Store(uint32(hal.SpeedFull))
	return h, nil
}

// App combines the handler with the board's init and loop functions into
// a firmware.Application.
func (h *Handler) App(init, loop func()) firmware.AppFuncs {
	return firmware.AppFuncs{
		InitFunc:         init,
		LoopFunc:         loop,
		SetupDataFunc:    h.HandleSetupData,
		SpeedChangeFunc:  h.HandleSpeedChange,
		RemoteWakeupFunc: h.RemoteWakeupAllowed,
	}
}

// Speed returns the bus speed used to select descriptors.
func (h *Handler) Speed() hal.Speed {
	return hal.Speed(h.speed.Load())
}

// Configuration returns the active configuration value, 0 when
// unconfigured.
func (h *Handler) Configuration() uint8 {
	return uint8(h.state.Load())
}

// RemoteWakeupAllowed reports whether the host has enabled remote wakeup.
func (h *Handler) RemoteWakeupAllowed() bool {
	return h.remoteWakeup.Load()
}

// HandleSpeedChange records the bus speed. A bus reset also returns the
// device to the default state: unconfigured, remote wakeup disabled.
func (h *Handler) HandleSpeedChange(highSpeed bool) {
	h.speed.Store(uint32(hal.SpeedOf(highSpeed)))
	if !highSpeed {
		h.remoteWakeup.Store(false)
		for {
			old := h.state.Load()
			if h.state.CompareAndSwap(old, (old>>8+1)<<8) {
				break
			}
		}
	}
}

// syncReset drops the alternate settings and halts selected before the
// last bus reset. The caller holds h.mutex.
func (h *Handler) syncReset() {
	if resets := h.state.Load() >> 8; resets != h.resets {
		h.current = [MaxInterfaces]uint8{}
		clear(h.halted)
		h.resets = resets
	}
}

// HandleSetupData reads the pending SETUP packet from EP0 and answers it.
// Requests that fail are stalled.
func (h *Handler) HandleSetupData() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.syncReset()

	var setup SetupPacket
	if _, err := h.ep0.ReadSetup(h.setupBuf[:]); err != nil {
		h.stall(nil, err)
		return
	}
	if err := ParseSetupPacket(h.setupBuf[:], &setup); err != nil {
		h.stall(nil, err)
		return
	}

	var data []byte
	if !setup.IsIn() && setup.Length > 0 {
		n, err := h.ep0.Read(h.dataBuf[:])
		if err != nil {
			h.stall(&setup, err)
			return
		}
		data = h.dataBuf[:n]
	}

	resp, err := h.dispatch(&setup, data)
	if err != nil {
		h.stall(&setup, err)
		return
	}
	if err := h.respond(&setup, resp); err != nil {
		h.stall(&setup, err)
		return
	}

	if pkg.LogEnabled(slog.LevelDebug) {
		pkg.LogDebug(pkg.ComponentSetup, "request handled",
			"setup", setup.String(),
			"length", len(resp))
	}
}

// respond writes the IN data stage, truncated to wLength, then completes
// the status stage. A reply shorter than wLength that fills its last
// packet is terminated with a zero-length packet.
func (h *Handler) respond(setup *SetupPacket, resp []byte) error {
	if setup.IsIn() {
		if len(resp) > int(setup.Length) {
			resp = resp[:setup.Length]
		}
		zlp := len(resp) < int(setup.Length) && len(resp)%MaxPacketSize == 0
		for len(resp) > 0 {
			n := min(len(resp), MaxPacketSize)
			if err := h.ep0.Write(resp[:n]); err != nil {
				return err
			}
			resp = resp[n:]
		}
		if zlp {
			if err := h.ep0.Write(nil); err != nil {
				return err
			}
		}
	}
	return h.ep0.Ack()
}

func (h *Handler) stall(setup *SetupPacket, err error) {
	if setup != nil {
		pkg.LogDebug(pkg.ComponentSetup, "request stalled",
			"setup", setup.String(),
			"error", err)
	} else {
		pkg.LogWarn(pkg.ComponentSetup, "setup packet unreadable",
			"error", err)
	}
	if serr := h.ep0.Stall(); serr != nil {
		pkg.LogError(pkg.ComponentSetup, "stall failed",
			"error", serr)
	}
}

func (h *Handler) dispatch(setup *SetupPacket, data []byte) ([]byte, error) {
	switch setup.Type() {
	case TypeStandard:
		return h.handleStandard(setup)
	case TypeVendor:
		if h.vendor == nil {
			return nil, pkg.ErrNotSupported
		}
		return h.vendor(setup, data)
	case TypeClass:
		if h.class == nil {
			return nil, pkg.ErrNotSupported
		}
		return h.class(setup, data)
	default:
		return nil, pkg.ErrInvalidRequest
	}
}

func (h *Handler) handleStandard(setup *SetupPacket) ([]byte, error) {
	switch setup.Recipient() {
	case RecipientDevice:
		return h.handleDevice(setup)
	case RecipientInterface:
		return h.handleInterface(setup)
	case RecipientEndpoint:
		return h.handleEndpoint(setup)
	default:
		return nil, pkg.ErrInvalidRequest
	}
}

func (h *Handler) handleDevice(setup *SetupPacket) ([]byte, error) {
	switch setup.Request {
	case RequestGetStatus:
		var status uint16
		if h.selfPowered {
			status |= StatusSelfPowered
		}
		if h.remoteWakeup.Load() {
			status |= StatusRemoteWakeup
		}
		return h.status(status), nil

	case RequestSetFeature, RequestClearFeature:
		switch setup.Value {
		case FeatureDeviceRemoteWakeup:
			h.remoteWakeup.Store(setup.Request == RequestSetFeature)
			return nil, nil
		case FeatureTestMode:
			return nil, pkg.ErrNotSupported
		default:
			return nil, pkg.ErrInvalidRequest
		}

	case RequestSetAddress:
		// The controller latches the address itself after the status stage.
		return nil, nil

	case RequestGetDescriptor:
		return h.getDescriptor(setup)

	case RequestGetConfiguration:
		return []byte{h.Configuration()}, nil

	case RequestSetConfiguration:
		return nil, h.setConfiguration(uint8(setup.Value))

	default:
		return nil, pkg.ErrNotSupported
	}
}

func (h *Handler) getDescriptor(setup *SetupPacket) ([]byte, error) {
	if h.descriptors == nil {
		return nil, pkg.ErrNotSupported
	}
	desc, err := h.descriptors(h.Speed(), setup.DescriptorType(), setup.DescriptorIndex())
	if err != nil {
		return nil, err
	}
	if len(desc) == 0 {
		return nil, pkg.ErrInvalidRequest
	}
	if len(desc) > MaxResponseSize {
		return nil, pkg.ErrBufferTooSmall
	}
	return desc, nil
}

func (h *Handler) setConfiguration(value uint8) error {
	if value > h.configs {
		return pkg.ErrInvalidRequest
	}
	state := h.state.Load()
	if h.configure != nil {
		if err := h.configure(value, 0, 0); err != nil {
			return err
		}
	}
	// A bus reset during the hook cancels the request.
	if !h.state.CompareAndSwap(state, state&^0xFF|uint64(value)) {
		return pkg.ErrBusReset
	}
	h.current = [MaxInterfaces]uint8{}
	clear(h.halted)
	pkg.LogInfo(pkg.ComponentSetup, "configuration set",
		"config", value)
	return nil
}

// configuredInterface returns the interface number if the device is
// configured and the interface exists.
func (h *Handler) configuredInterface(setup *SetupPacket) (uint8, error) {
	iface := setup.Target()
	if h.Configuration() == 0 || int(iface) >= len(h.alts) {
		return 0, pkg.ErrInvalidRequest
	}
	return iface, nil
}

func (h *Handler) handleInterface(setup *SetupPacket) ([]byte, error) {
	iface, err := h.configuredInterface(setup)
	if err != nil {
		return nil, err
	}

	switch setup.Request {
	case RequestGetStatus:
		return h.status(0), nil

	case RequestGetInterface:
		return []byte{h.current[iface]}, nil

	case RequestSetInterface:
		alt := uint8(setup.Value)
		if alt >= h.alts[iface] {
			return nil, pkg.ErrInvalidRequest
		}
		if h.configure != nil {
			if err := h.configure(h.Configuration(), iface, alt); err != nil {
				return nil, err
			}
		}
		h.current[iface] = alt
		return nil, nil

	default:
		return nil, pkg.ErrNotSupported
	}
}

// validEndpoint reports whether addr names EP0 or a declared endpoint
// usable in the current state.
func (h *Handler) validEndpoint(addr uint8) bool {
	if addr&0x0F == 0 {
		return true
	}
	return h.Configuration() != 0 && h.endpoints[addr]
}

func (h *Handler) handleEndpoint(setup *SetupPacket) ([]byte, error) {
	addr := setup.Target()
	if !h.validEndpoint(addr) {
		return nil, pkg.ErrInvalidRequest
	}

	switch setup.Request {
	case RequestGetStatus:
		var status uint16
		if h.halted[addr] {
			status = 1
		}
		return h.status(status), nil

	case RequestSetFeature, RequestClearFeature:
		if setup.Value != FeatureEndpointHalt {
			return nil, pkg.ErrInvalidRequest
		}
		if addr&0x0F == 0 {
			// EP0 halt clears itself on the next SETUP.
			return nil, nil
		}
		if setup.Request == RequestSetFeature {
			h.halted[addr] = true
		} else {
			delete(h.halted, addr)
		}
		return nil, nil

	default:
		return nil, pkg.ErrNotSupported
	}
}

// Halted reports whether the endpoint at addr is halted.
func (h *Handler) Halted(addr uint8) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.syncReset()
	return h.halted[addr]
}

func (h *Handler) status(v uint16) []byte {
	binary.LittleEndian.PutUint16(h.statusBuf[:], v)
	return h.statusBuf[:]
}
