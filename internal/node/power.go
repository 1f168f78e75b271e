package node

import (
	"log"
	"os"
)

// PowerController is the node's power and indicator hardware
type PowerController interface {
	// DisableRetention turns off retention for every RAM block
	DisableRetention() error
	// IndicatorsOff turns off LEDs
	IndicatorsOff()
	// PowerOff enters system off. On hardware it does not return.
	PowerOff()
}

// ProcessPower simulates power-off by exiting the process
type ProcessPower struct {
	exit      func(code int)
	beforeOff func()
}

// NewProcessPower creates a power controller that exits the process
func NewProcessPower() *ProcessPower {
	return &ProcessPower{exit: os.Exit}
}

// BeforeOff registers fn to run just before the process exits
func (p *ProcessPower) BeforeOff(fn func()) {
	p.beforeOff = fn
}

func (p *ProcessPower) DisableRetention() error {
	log.Println("RAM retention disabled")
	return nil
}

func (p *ProcessPower) IndicatorsOff() {
	log.Println("Indicators off")
}

func (p *ProcessPower) PowerOff() {
	log.Println("System off")
	if p.beforeOff != nil {
		p.beforeOff()
	}
	p.exit(0)
}

// CyclePower records power-off requests and returns, so several wake
// cycles can run in one process
type CyclePower struct {
	Cycles int
}

func (p *CyclePower) DisableRetention() error { return nil }
func (p *CyclePower) IndicatorsOff()          {}
func (p *CyclePower) PowerOff()               { p.Cycles++ }
