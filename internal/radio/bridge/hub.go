package bridge

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"

	"github.com/go-zeromq/zmq4"

	"github.com/agsys/rfmesh/internal/radio"
)

// HubConfig holds hub configuration
type HubConfig struct {
	EventURL   string  // PUB socket to bind
	CommandURL string  // REP socket to bind
	LossRate   float64 // Probability of dropping a frame, 0..1
}

// DefaultHubConfig returns the default hub endpoints
func DefaultHubConfig() HubConfig {
	c := DefaultClientConfig()
	return HubConfig{
		EventURL:   c.EventURL,
		CommandURL: c.CommandURL,
	}
}

type hubClient struct {
	channel       uint8
	payloadLength uint8
	tx            uint64
	flushes       uint64
}

// HubStats counts hub traffic
type HubStats struct {
	Clients   int
	Frames    uint64
	Delivered uint64
	Lost      uint64
}

// Hub simulates a shared radio channel for bridge clients. A frame sent on
// a channel reaches every other client tuned to it; an acknowledged frame
// succeeds when at least one of them heard it.
type Hub struct {
	config    HubConfig
	eventSock zmq4.Socket
	cmdSock   zmq4.Socket
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	running   bool
	clients   map[string]*hubClient
	stats     HubStats
	lose      func() bool
}

// NewHub creates a hub
func NewHub(config HubConfig) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
		clients: make(map[string]*hubClient),
	}
	h.lose = func() bool {
		return h.config.LossRate > 0 && rand.Float64() < h.config.LossRate
	}
	return h
}

// Start binds the hub sockets and starts the command loop
func (h *Hub) Start() error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return fmt.Errorf("hub already running")
	}
	h.mu.Unlock()

	h.eventSock = zmq4.NewPub(h.ctx)
	if err := h.eventSock.Listen(h.config.EventURL); err != nil {
		return fmt.Errorf("failed to bind event socket: %w", err)
	}

	h.cmdSock = zmq4.NewRep(h.ctx)
	if err := h.cmdSock.Listen(h.config.CommandURL); err != nil {
		h.eventSock.Close()
		return fmt.Errorf("failed to bind command socket: %w", err)
	}

	h.mu.Lock()
	h.running = true
	h.mu.Unlock()

	h.wg.Add(1)
	go h.commandLoop()

	log.Printf("Air hub started: event=%s, cmd=%s, loss=%.2f",
		h.config.EventURL, h.config.CommandURL, h.config.LossRate)
	return nil
}

// Stop stops the hub and closes its sockets
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	h.mu.Unlock()

	h.cancel()
	h.eventSock.Close()
	h.cmdSock.Close()
	h.wg.Wait()

	s := h.Stats()
	log.Printf("Air hub stopped: clients=%d, frames=%d, delivered=%d, lost=%d",
		s.Clients, s.Frames, s.Delivered, s.Lost)
	return nil
}

// Stats returns a snapshot of hub counters
func (h *Hub) Stats() HubStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.stats
	s.Clients = len(h.clients)
	return s
}

// commandLoop answers client commands
func (h *Hub) commandLoop() {
	defer h.wg.Done()

	for {
		msg, err := h.cmdSock.Recv()
		if err != nil {
			if h.ctx.Err() != nil {
				return
			}
			continue
		}

		resp := h.handle(msg)
		data, err := Marshal(resp)
		if err != nil {
			log.Printf("Failed to encode response: %v", err)
			data, _ = Marshal(&Response{Status: TxStatusInternalError})
		}
		if err := h.cmdSock.Send(zmq4.NewMsg(data)); err != nil {
			if h.ctx.Err() != nil {
				return
			}
			log.Printf("Failed to send response: %v", err)
		}
	}
}

func (h *Hub) handle(msg zmq4.Msg) *Response {
	if len(msg.Frames) < 2 {
		return &Response{Status: TxStatusInvalid, Message: "missing body"}
	}
	body := msg.Frames[1]

	switch cmd := string(msg.Frames[0]); cmd {
	case CmdConfigure:
		req := &ConfigureRequest{}
		if err := Unmarshal(body, req); err != nil {
			return &Response{Status: TxStatusInvalid, Message: err.Error()}
		}
		return h.configure(req)

	case CmdTx:
		req := &TxRequest{}
		if err := Unmarshal(body, req); err != nil {
			return &Response{Status: TxStatusInvalid, Message: err.Error()}
		}
		return h.transmit(req)

	case CmdChannel:
		req := &ChannelRequest{}
		if err := Unmarshal(body, req); err != nil {
			return &Response{Status: TxStatusInvalid, Message: err.Error()}
		}
		return h.retune(req)

	case CmdFlush:
		req := &FlushRequest{}
		if err := Unmarshal(body, req); err != nil {
			return &Response{Status: TxStatusInvalid, Message: err.Error()}
		}
		h.mu.Lock()
		defer h.mu.Unlock()
		c, ok := h.clients[req.ClientID]
		if !ok {
			return &Response{Status: TxStatusNotConfigured}
		}
		c.flushes++
		return &Response{Status: TxStatusOK}

	default:
		return &Response{Status: TxStatusIgnored, Message: "unknown command " + cmd}
	}
}

func (h *Hub) configure(req *ConfigureRequest) *Response {
	if req.Channel > radio.MaxChannel {
		return &Response{Status: TxStatusInvalid, Message: fmt.Sprintf("channel %d", req.Channel)}
	}

	h.mu.Lock()
	_, known := h.clients[req.ClientID]
	h.clients[req.ClientID] = &hubClient{channel: req.Channel, payloadLength: req.PayloadLength}
	h.mu.Unlock()

	if !known {
		log.Printf("Air hub: client %s joined channel %d", req.ClientID, req.Channel)
	}
	return &Response{Status: TxStatusOK}
}

func (h *Hub) retune(req *ChannelRequest) *Response {
	if req.Channel > radio.MaxChannel {
		return &Response{Status: TxStatusInvalid, Message: fmt.Sprintf("channel %d", req.Channel)}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[req.ClientID]
	if !ok {
		return &Response{Status: TxStatusNotConfigured}
	}
	c.channel = req.Channel
	return &Response{Status: TxStatusOK}
}

// transmit publishes the frame to the sender's channel
func (h *Hub) transmit(req *TxRequest) *Response {
	h.mu.Lock()
	sender, ok := h.clients[req.ClientID]
	if !ok {
		h.mu.Unlock()
		return &Response{Status: TxStatusNotConfigured}
	}
	limit := radio.MaxFrameSize
	if sender.payloadLength != 0 {
		limit = int(sender.payloadLength)
	}
	if len(req.Frame) == 0 || len(req.Frame) > limit {
		h.mu.Unlock()
		return &Response{Status: TxStatusInvalid, Message: fmt.Sprintf("%d bytes", len(req.Frame))}
	}

	ch := sender.channel
	sender.tx++
	h.stats.Frames++
	listeners := 0
	for id, c := range h.clients {
		if id != req.ClientID && c.channel == ch {
			listeners++
		}
	}

	if h.lose() {
		h.stats.Lost++
		h.mu.Unlock()
		if req.AckRequired {
			return &Response{Status: TxStatusNoAck}
		}
		return &Response{Status: TxStatusOK}
	}
	h.stats.Delivered++
	h.mu.Unlock()

	data, err := Marshal(&RxEvent{Source: req.ClientID, Channel: ch, Frame: req.Frame})
	if err != nil {
		return &Response{Status: TxStatusInternalError, Message: err.Error()}
	}
	if err := h.eventSock.Send(zmq4.NewMsgFrom([]byte(EventRx), data)); err != nil {
		return &Response{Status: TxStatusInternalError, Message: err.Error()}
	}

	if req.AckRequired && listeners == 0 {
		return &Response{Status: TxStatusNoAck, Heard: 0}
	}
	return &Response{Status: TxStatusOK, Heard: listeners}
}
