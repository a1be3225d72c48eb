package probe

import (
	"sync/atomic"
)

// Counter counts matching packets between two window closes.
type Counter struct {
	n atomic.Uint32
}

// Add records n packets.
func (c *Counter) Add(n uint32) {
	c.n.Add(n)
}

// Inc records one packet.
func (c *Counter) Inc() {
	c.n.Add(1)
}

// TakeAndResetCount returns the packets counted since the previous call.
func (c *Counter) TakeAndResetCount() (uint32, error) {
	return c.n.Swap(0), nil
}
