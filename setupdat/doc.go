// Package setupdat answers USB control requests on endpoint zero for the
// firmware dispatch loop.
//
// A [Handler] reads the SETUP packet from an [EP0], services the standard
// chapter 9 requests itself and passes class and vendor requests to hooks.
// Requests it cannot satisfy are stalled. It also owns the two pieces of
// device state the dispatch core asks about: the bus speed reported by the
// reset and high-speed interrupts, and whether the host has granted remote
// wakeup.
//
//	h, err := setupdat.NewHandler(ep0,
//	    setupdat.WithDescriptors(descriptors),
//	    setupdat.WithVendorHandler(vendor))
//	if err != nil {
//	    return err
//	}
//	ctrl, err := firmware.New(hw, h.App(initBoard, pollFIFOs))
//
// Descriptors are chosen per bus speed by the [DescriptorFunc] hook so a
// high-speed capable device can report different endpoint sizes after the
// high-speed handshake.
package setupdat
