package sim

import (
	"github.com/ardnew/usbfw/firmware/hal"
	"github.com/ardnew/usbfw/pkg"
)

// SendSetup loads a SETUP packet, and the OUT data stage if any, into the
// controller and raises the setup-data interrupt.
func (c *Controller) SendSetup(packet []byte, out []byte) error {
	if len(packet) < SetupDataSize {
		return pkg.ErrSetupPacketTooShort
	}
	if len(out) > MaxEP0Size {
		return pkg.ErrBufferTooSmall
	}
	c.mutex.Lock()
	copy(c.setupData[:], packet)
	c.ep0Out = append(c.ep0Out[:0], out...)
	c.ep0Stalled = false
	c.mutex.Unlock()

	return c.Fire(hal.SourceSetupData)
}

// ReadSetup copies the SETUP packet buffer into buf.
func (c *Controller) ReadSetup(buf []byte) (int, error) {
	if len(buf) < SetupDataSize {
		return 0, pkg.ErrBufferTooSmall
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return copy(buf, c.setupData[:]), nil
}

// Read copies the OUT data stage into buf.
func (c *Controller) Read(buf []byte) (int, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	n := copy(buf, c.ep0Out)
	c.ep0Out = c.ep0Out[:0]
	c.record(Op{Kind: OpEP0Read, Length: n})
	return n, nil
}

// Write records an IN data stage. A stalled EP0 rejects data until the
// next SETUP packet.
func (c *Controller) Write(data []byte) error {
	if len(data) > MaxEP0Size {
		return pkg.ErrBufferTooSmall
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.ep0Stalled {
		return pkg.ErrStall
	}
	c.ep0In = append(c.ep0In, append([]byte(nil), data...))
	c.record(Op{Kind: OpEP0Write, Length: len(data)})
	return nil
}

// Stall stalls EP0 for the current request.
func (c *Controller) Stall() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.ep0Stalls++
	c.ep0Stalled = true
	c.record(Op{Kind: OpEP0Stall})
	return nil
}

// Ack completes the control handshake.
func (c *Controller) Ack() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.ep0Stalled {
		return pkg.ErrStall
	}
	c.ep0Acks++
	c.record(Op{Kind: OpEP0Ack})
	return nil
}

// EP0Writes returns copies of the IN data stages written so far.
func (c *Controller) EP0Writes() [][]byte {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	out := make([][]byte, len(c.ep0In))
	for i, b := range c.ep0In {
		out[i] = append([]byte(nil), b...)
	}
	return out
}

// EP0Stalls returns the number of EP0 stalls.
func (c *Controller) EP0Stalls() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.ep0Stalls
}

// EP0Acks returns the number of completed handshakes.
func (c *Controller) EP0Acks() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.ep0Acks
}
