package flash

import (
	"fmt"
	"math/rand/v2"
)

// ChaosConfig controls [Chaos] failure injection.
type ChaosConfig struct {
	// Seed makes the failure schedule deterministic.
	Seed uint64

	// FailureRate is the probability in [0, 1) that any single device
	// operation fails with [ErrIO].
	FailureRate float64

	// ReadOnly restricts injection to read-side operations (OpenPage,
	// ReadSector, ReadSpare), leaving programs and erases reliable.
	ReadOnly bool
}

// Chaos wraps a [Device] and injects deterministic pseudo-random [ErrIO]
// failures.
//
// The filesystem treats any driver failure as fatal to the current
// operation and recoverable at the next mount; chaos runs verify that
// failures propagate as errors rather than corrupting in-memory state.
// Chaos is not meant for production use.
type Chaos struct {
	Device

	rng    *rand.Rand
	config ChaosConfig

	// Injected counts how many failures have been injected. Test hook.
	Injected int
}

var _ Device = (*Chaos)(nil)

// NewChaos wraps dev with failure injection.
func NewChaos(dev Device, config ChaosConfig) *Chaos {
	return &Chaos{
		Device: dev,
		rng:    rand.New(rand.NewPCG(config.Seed, config.Seed^0x9E3779B97F4A7C15)),
		config: config,
	}
}

func (c *Chaos) inject(op string, isRead bool) error {
	if c.config.ReadOnly && !isRead {
		return nil
	}

	if c.rng.Float64() >= c.config.FailureRate {
		return nil
	}

	c.Injected++

	return fmt.Errorf("chaos: %s: %w", op, ErrIO)
}

// OpenPage implements [Device].
func (c *Chaos) OpenPage(block, page int) error {
	if err := c.inject("open page", true); err != nil {
		return err
	}

	return c.Device.OpenPage(block, page)
}

// ReadSector implements [Device].
func (c *Chaos) ReadSector(dst []byte, sector, offset int) error {
	if err := c.inject("read sector", true); err != nil {
		return err
	}

	return c.Device.ReadSector(dst, sector, offset)
}

// ReadSpare implements [Device].
func (c *Chaos) ReadSpare(dst []byte, sector int) error {
	if err := c.inject("read spare", true); err != nil {
		return err
	}

	return c.Device.ReadSpare(dst, sector)
}

// WriteSector implements [Device].
func (c *Chaos) WriteSector(src []byte, sector, offset int) error {
	if err := c.inject("write sector", false); err != nil {
		return err
	}

	return c.Device.WriteSector(src, sector, offset)
}

// WriteSpare implements [Device].
func (c *Chaos) WriteSpare(src []byte, sector int) error {
	if err := c.inject("write spare", false); err != nil {
		return err
	}

	return c.Device.WriteSpare(src, sector)
}

// Commit implements [Device].
func (c *Chaos) Commit() error {
	if err := c.inject("commit", false); err != nil {
		return err
	}

	return c.Device.Commit()
}

// EraseBlock implements [Device].
func (c *Chaos) EraseBlock(block int) error {
	if err := c.inject("erase block", false); err != nil {
		return err
	}

	return c.Device.EraseBlock(block)
}
