// Package dispatch turns console frames into mesh operations.
package dispatch

import (
	"errors"

	"github.com/agsys/rfmesh/internal/protocol"
	"github.com/agsys/rfmesh/internal/radio"
	"github.com/agsys/rfmesh/internal/reliable"
)

// Reporter receives human readable status lines for the console
type Reporter interface {
	Report(format string, args ...interface{})
}

// Radio is the part of the radio the dispatcher may touch
type Radio interface {
	Config() radio.Config
	SetChannel(ch uint8) error
	Channel() uint8
}

// Config holds values echoed by the status command
type Config struct {
	NodeID uint8
	Policy reliable.Policy
}

// Dispatcher parses console frames and runs exactly one handler per valid
// command. Bad input is reported and dropped, never returned.
type Dispatcher struct {
	config    Config
	radio     Radio
	outbox    *Outbox
	report    Reporter
	onCommand func(name string)
}

// New creates a dispatcher
func New(config Config, r Radio, outbox *Outbox, report Reporter) *Dispatcher {
	return &Dispatcher{
		config: config,
		radio:  r,
		outbox: outbox,
		report: report,
	}
}

// SetCommandObserver sets a callback invoked with the name of every
// dispatched command
func (d *Dispatcher) SetCommandObserver(cb func(name string)) {
	d.onCommand = cb
}

// HandleBinary processes a length-prefixed binary frame
func (d *Dispatcher) HandleBinary(data []byte) {
	if len(data) < 2 {
		d.report.Report("_bin:%s", protocol.HexDump(data))
		return
	}
	d.report.Report("pid:0x%X", data[1])

	f, err := protocol.ParseBinary(data)
	switch {
	case err == nil:
		d.Dispatch(f)
	case errors.Is(err, protocol.ErrNotCommand):
		n := int(data[0])
		if n > len(data) {
			n = len(data)
		}
		d.report.Report("_bin:%s", protocol.HexDump(data[:n]))
	default:
		d.report.Report("cmd:malformed:%v", err)
	}
}

// HandleText processes a human readable console line
func (d *Dispatcher) HandleText(line string) {
	f, err := protocol.ParseText(line)
	switch {
	case err == nil:
		d.Dispatch(f)
	case errors.Is(err, protocol.ErrUnknownText):
		d.report.Report("unhandled:%s", protocol.HexDump([]byte(line)))
	default:
		d.report.Report("msg:malformed:%v", err)
	}
}

// Dispatch runs the handler for a validated command frame
func (d *Dispatcher) Dispatch(f *protocol.CommandFrame) {
	if err := f.Validate(); err != nil {
		d.report.Report("cmd:malformed:%v", err)
		return
	}
	if d.onCommand != nil {
		d.onCommand(protocol.CommandName(f.Command))
	}

	switch f.Command {
	case protocol.CmdStatus:
		d.handleStatus()
	case protocol.CmdSend:
		d.handleSend(f.Params)
	case protocol.CmdChannel:
		d.handleChannel(f.Params)
	default:
		d.report.Report("unhandled cmd:0x%X", f.Command)
	}
}

func (d *Dispatcher) handleStatus() {
	cfg := d.radio.Config()
	cfg.Channel = d.radio.Channel()
	d.report.Report("status:node:%d;%s;retries:%d;delay:%d ms",
		d.config.NodeID, cfg, d.config.Policy.MaxRetries, d.config.Policy.RetryDelay.Milliseconds())
}

func (d *Dispatcher) handleSend(params []byte) {
	if len(params) == 0 {
		d.report.Report("send:empty")
		return
	}
	if len(params) > protocol.MaxFrameSize {
		d.report.Report("send:too long:%d", len(params))
		return
	}
	if err := d.outbox.Offer(params); err != nil {
		d.report.Report("send:busy")
	}
}

func (d *Dispatcher) handleChannel(params []byte) {
	if len(params) < 1 {
		d.report.Report("channel:missing")
		return
	}
	ch := params[0]
	if err := d.radio.SetChannel(ch); err != nil {
		d.report.Report("channel:invalid:%d", ch)
		return
	}
	d.report.Report("channel:%d", d.radio.Channel())
}

