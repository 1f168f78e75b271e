package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"

	"github.com/agsys/rfmesh/internal/radio"
)

// rxDepth matches the receive FIFO of the radio
const rxDepth = 32

// ErrNotRunning is returned before Start or after Close
var ErrNotRunning = errors.New("bridge client not running")

// ClientConfig holds configuration for a hub connection
type ClientConfig struct {
	EventURL   string // SUB socket for received frames
	CommandURL string // REQ socket for commands
}

// DefaultClientConfig returns the default hub endpoints
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		EventURL:   "ipc:///tmp/rfmesh_air_event",
		CommandURL: "ipc:///tmp/rfmesh_air_command",
	}
}

// Client is a radio.Transport whose air is a Hub
type Client struct {
	config    ClientConfig
	id        string
	eventSock zmq4.Socket
	cmdSock   zmq4.Socket
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	cmdMu     sync.Mutex
	mu        sync.Mutex
	running   bool
	cfg       radio.Config
	rx        [][]byte
	handler   func(radio.Event)
	txFrames  uint64
	rxFrames  uint64
}

var _ radio.Transport = (*Client)(nil)

// NewClient creates a hub client with a fresh id
func NewClient(config ClientConfig) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		config: config,
		id:     uuid.New().String(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ID returns the client id used on the hub
func (c *Client) ID() string {
	return c.id
}

// Start connects to the hub and starts the event loop
func (c *Client) Start() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("client already running")
	}
	c.mu.Unlock()

	c.eventSock = zmq4.NewSub(c.ctx)
	if err := c.eventSock.Dial(c.config.EventURL); err != nil {
		return fmt.Errorf("failed to connect event socket: %w", err)
	}
	if err := c.eventSock.SetOption(zmq4.OptionSubscribe, EventRx); err != nil {
		c.eventSock.Close()
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	c.cmdSock = zmq4.NewReq(c.ctx)
	if err := c.cmdSock.Dial(c.config.CommandURL); err != nil {
		c.eventSock.Close()
		return fmt.Errorf("failed to connect command socket: %w", err)
	}

	c.mu.Lock()
	c.running = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.eventLoop()

	log.Printf("Bridge client %s started: event=%s, cmd=%s", c.id, c.config.EventURL, c.config.CommandURL)
	return nil
}

// request performs one command round trip
func (c *Client) request(cmd string, body interface{}) (*Response, error) {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if !running {
		return nil, ErrNotRunning
	}

	data, err := Marshal(body)
	if err != nil {
		return nil, err
	}

	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	if err := c.cmdSock.Send(zmq4.NewMsgFrom([]byte(cmd), data)); err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", cmd, err)
	}
	msg, err := c.cmdSock.Recv()
	if err != nil {
		return nil, fmt.Errorf("failed to receive %s response: %w", cmd, err)
	}
	if len(msg.Frames) == 0 {
		return nil, fmt.Errorf("empty %s response", cmd)
	}

	resp := &Response{}
	if err := Unmarshal(msg.Frames[0], resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Configure registers the client on the hub
func (c *Client) Configure(cfg radio.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("failed to configure bridge: %w", err)
	}

	resp, err := c.request(CmdConfigure, &ConfigureRequest{
		ClientID:      c.id,
		Channel:       cfg.Channel,
		PayloadLength: cfg.PayloadLength,
	})
	if err != nil {
		return err
	}
	if resp.Status != TxStatusOK {
		return fmt.Errorf("configure rejected: %s %s", resp.Status, resp.Message)
	}

	c.mu.Lock()
	c.cfg = cfg
	c.rx = nil
	c.mu.Unlock()
	return nil
}

// Config returns the configuration last accepted by the hub
func (c *Client) Config() radio.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Transmit sends frame through the hub. The outcome arrives as an event.
func (c *Client) Transmit(frame []byte, ackRequired bool) error {
	resp, err := c.request(CmdTx, &TxRequest{
		ClientID:    c.id,
		Frame:       frame,
		AckRequired: ackRequired,
	})
	if err != nil {
		return err
	}

	switch resp.Status {
	case TxStatusOK:
		c.mu.Lock()
		c.txFrames++
		c.mu.Unlock()
		c.emit(radio.EventTxSuccess)
	case TxStatusNotConfigured:
		return radio.ErrNotConfigured
	case TxStatusInvalid:
		return fmt.Errorf("%w: %s", radio.ErrFrameTooLong, resp.Message)
	default:
		log.Printf("Bridge TX %d bytes: %s", len(frame), resp.Status)
		c.emit(radio.EventTxFailed)
	}
	return nil
}

// ReceiveNext pops the oldest received frame
func (c *Client) ReceiveNext() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.rx) == 0 {
		return nil, false
	}
	frame := c.rx[0]
	c.rx = c.rx[1:]
	return frame, true
}

// SetChannel retunes the client on the hub
func (c *Client) SetChannel(ch uint8) error {
	if ch > radio.MaxChannel {
		return fmt.Errorf("%w: %d", radio.ErrInvalidChannel, ch)
	}

	resp, err := c.request(CmdChannel, &ChannelRequest{ClientID: c.id, Channel: ch})
	if err != nil {
		return err
	}
	if resp.Status == TxStatusNotConfigured {
		return radio.ErrNotConfigured
	}
	if resp.Status != TxStatusOK {
		return fmt.Errorf("channel rejected: %s", resp.Status)
	}

	c.mu.Lock()
	c.cfg.Channel = ch
	c.mu.Unlock()
	return nil
}

// Channel returns the current channel
func (c *Client) Channel() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Channel
}

// IRQPending reports frames waiting with nobody servicing them
func (c *Client) IRQPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rx) > 0 && c.handler == nil
}

// Flush empties the transmit queue on the hub
func (c *Client) Flush() error {
	resp, err := c.request(CmdFlush, &FlushRequest{ClientID: c.id})
	if err != nil {
		return err
	}
	if resp.Status != TxStatusOK {
		return fmt.Errorf("flush rejected: %s", resp.Status)
	}
	return nil
}

// SetEventHandler installs the interrupt handler
func (c *Client) SetEventHandler(h func(radio.Event)) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Close stops the client and closes connections
func (c *Client) Close() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.mu.Unlock()

	c.cancel()
	if c.eventSock != nil {
		c.eventSock.Close()
	}
	if c.cmdSock != nil {
		c.cmdSock.Close()
	}
	c.wg.Wait()

	log.Printf("Bridge client %s stopped: tx=%d, rx=%d", c.id, c.txFrames, c.rxFrames)
	return nil
}

func (c *Client) emit(t radio.EventType) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		go h(radio.Event{Type: t})
	}
}

// eventLoop receives frames published by the hub
func (c *Client) eventLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		msg, err := c.eventSock.Recv()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			continue
		}

		if len(msg.Frames) < 2 || string(msg.Frames[0]) != EventRx {
			continue
		}

		ev := &RxEvent{}
		if err := Unmarshal(msg.Frames[1], ev); err != nil {
			log.Printf("Failed to unmarshal rx event: %v", err)
			continue
		}
		c.handleRx(ev)
	}
}

// handleRx queues a frame heard on our channel
func (c *Client) handleRx(ev *RxEvent) {
	c.mu.Lock()
	if ev.Source == c.id || ev.Channel != c.cfg.Channel || len(ev.Frame) == 0 {
		c.mu.Unlock()
		return
	}
	if len(c.rx) >= rxDepth {
		c.mu.Unlock()
		log.Printf("Bridge client %s: rx fifo full, dropping frame", c.id)
		return
	}
	c.rx = append(c.rx, ev.Frame)
	c.rxFrames++
	c.mu.Unlock()

	c.emit(radio.EventRxReady)
}
