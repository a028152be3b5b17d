package flash

import "fmt"

// Crash wraps a [Device] and simulates power loss at a flash operation
// boundary.
//
// Mutating operations ([Device.Commit], [Device.EraseBlock]) are counted.
// When the configured countdown is exhausted, the offending operation is
// not forwarded — the device keeps the state of the last completed
// operation — and every operation after it fails with [ErrPowerLoss] until
// [Crash.PowerOn].
//
// Running the same operation trace with the countdown set to each value
// from 0 up to (but not including) the number of mutations the trace
// performs, as counted by [Crash.Mutations], enumerates every crash point the trace has, which
// is exactly the window the mount-time recovery scan must close. Crash is
// not meant for production use.
type Crash struct {
	Device

	countdown int
	armed     bool
	down      bool

	mutations int
}

var _ Device = (*Crash)(nil)

// NewCrash wraps dev. The device runs normally until [Crash.Arm].
func NewCrash(dev Device) *Crash {
	return &Crash{Device: dev}
}

// Arm schedules a power cut after n more mutating operations complete:
// n = 0 fails the very next one.
func (c *Crash) Arm(n int) {
	c.armed = true
	c.countdown = n
}

// PowerOn restores the device after a simulated power loss and disarms the
// failpoint. Counters keep accumulating.
func (c *Crash) PowerOn() {
	c.armed = false
	c.down = false
}

// Down reports whether the simulated power is currently lost.
func (c *Crash) Down() bool { return c.down }

// Mutations returns how many mutating operations have completed.
func (c *Crash) Mutations() int { return c.mutations }

func (c *Crash) check(op string) error {
	if c.down {
		return fmt.Errorf("%s: %w", op, ErrPowerLoss)
	}

	return nil
}

// mutate gates one mutating operation, tripping the failpoint when the
// countdown runs out.
func (c *Crash) mutate(op string) error {
	if err := c.check(op); err != nil {
		return err
	}

	if c.armed {
		if c.countdown == 0 {
			c.down = true

			return fmt.Errorf("%s: %w", op, ErrPowerLoss)
		}

		c.countdown--
	}

	c.mutations++

	return nil
}

// OpenPage implements [Device].
func (c *Crash) OpenPage(block, page int) error {
	if err := c.check("open page"); err != nil {
		return err
	}

	return c.Device.OpenPage(block, page)
}

// ReadSector implements [Device].
func (c *Crash) ReadSector(dst []byte, sector, offset int) error {
	if err := c.check("read sector"); err != nil {
		return err
	}

	return c.Device.ReadSector(dst, sector, offset)
}

// ReadSpare implements [Device].
func (c *Crash) ReadSpare(dst []byte, sector int) error {
	if err := c.check("read spare"); err != nil {
		return err
	}

	return c.Device.ReadSpare(dst, sector)
}

// WriteSector implements [Device].
func (c *Crash) WriteSector(src []byte, sector, offset int) error {
	if err := c.check("write sector"); err != nil {
		return err
	}

	return c.Device.WriteSector(src, sector, offset)
}

// WriteSpare implements [Device].
func (c *Crash) WriteSpare(src []byte, sector int) error {
	if err := c.check("write spare"); err != nil {
		return err
	}

	return c.Device.WriteSpare(src, sector)
}

// Commit implements [Device].
func (c *Crash) Commit() error {
	if err := c.mutate("commit"); err != nil {
		return err
	}

	return c.Device.Commit()
}

// EraseBlock implements [Device].
func (c *Crash) EraseBlock(block int) error {
	if err := c.mutate("erase block"); err != nil {
		return err
	}

	return c.Device.EraseBlock(block)
}

// BlockIsBad implements [Device].
func (c *Crash) BlockIsBad() (bool, error) {
	if err := c.check("block is bad"); err != nil {
		return false, err
	}

	return c.Device.BlockIsBad()
}
