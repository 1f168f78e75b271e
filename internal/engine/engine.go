// Package engine provides the core logic for the mesh controller, bridging
// the console to the radio mesh.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agsys/rfmesh/internal/console"
	"github.com/agsys/rfmesh/internal/dispatch"
	"github.com/agsys/rfmesh/internal/health"
	"github.com/agsys/rfmesh/internal/metrics"
	"github.com/agsys/rfmesh/internal/node"
	"github.com/agsys/rfmesh/internal/protocol"
	"github.com/agsys/rfmesh/internal/radio"
	"github.com/agsys/rfmesh/internal/reliable"
	"github.com/agsys/rfmesh/internal/storage"
)

// Config holds engine configuration
type Config struct {
	NodeID        uint8
	Radio         radio.Config
	Policy        reliable.Policy
	Link          reliable.Config
	PollInterval  time.Duration // Main loop period
	AliveInterval time.Duration // Zero disables alive broadcasts
	DatabasePath  string        // Empty disables persistence
	TransportName string        // Recorded with the session
}

// DefaultConfig returns default engine configuration
func DefaultConfig() Config {
	return Config{
		NodeID:        1,
		Radio:         radio.DefaultConfig(),
		Policy:        reliable.DefaultPolicy(),
		Link:          reliable.DefaultConfig(),
		PollInterval:  100 * time.Millisecond,
		AliveInterval: 0,
		DatabasePath:  "/var/lib/rfmesh/controller.db",
		TransportName: "sim",
	}
}

// Engine is the controller: it owns the radio, drains received frames and
// sends whatever the console placed in the outbox
type Engine struct {
	config     Config
	transport  radio.Transport
	link       *reliable.Link
	outbox     *dispatch.Outbox
	dispatcher *dispatch.Dispatcher
	report     dispatch.Reporter
	db         *storage.DB
	metrics    *metrics.Metrics
	health     *health.Server
	sessionID  string
	serving    atomic.Bool
	stopChan   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	mu         sync.Mutex

	// Last loop count announced by each node
	nodeLoops map[uint8]uint8
}

// New creates a new engine instance around transport. Status lines go to
// report.
func New(config Config, transport radio.Transport, report dispatch.Reporter) (*Engine, error) {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}

	var db *storage.DB
	if config.DatabasePath != "" {
		var err error
		db, err = storage.Open(config.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
	}

	e := &Engine{
		config:    config,
		transport: transport,
		link:      reliable.New(transport, config.Link),
		outbox:    dispatch.NewOutbox(),
		report:    report,
		db:        db,
		stopChan:  make(chan struct{}),
		nodeLoops: make(map[uint8]uint8),
	}
	e.dispatcher = dispatch.New(dispatch.Config{
		NodeID: config.NodeID,
		Policy: config.Policy,
	}, transport, e.outbox, report)
	e.dispatcher.SetCommandObserver(func(name string) {
		e.metrics.Command(name)
	})

	return e, nil
}

// SetMetrics sets the collectors the engine records to
func (e *Engine) SetMetrics(m *metrics.Metrics) {
	e.metrics = m
}

// SetHealth sets the health server whose status follows the engine
func (e *Engine) SetHealth(h *health.Server) {
	e.health = h
}

// Serving reports whether the engine is started
func (e *Engine) Serving() bool {
	return e.serving.Load()
}

// SessionID returns the id of the current run
func (e *Engine) SessionID() string {
	return e.sessionID
}

// DB returns the database, or nil when persistence is disabled
func (e *Engine) DB() *storage.DB {
	return e.db
}

// Start configures the radio, announces the controller and starts the
// background loops. A radio configuration error is fatal.
func (e *Engine) Start(ctx context.Context) error {
	e.report.Report("startup:Hello from the RF Host Controller Interface")

	if err := e.transport.Configure(e.config.Radio); err != nil {
		return fmt.Errorf("failed to configure radio: %w", err)
	}
	e.report.Report("startup:listening to Mesh RF;channel:%d", e.transport.Channel())
	e.report.Report("NodeID: %d", e.config.NodeID)
	e.report.Report("retries:%d;delay:%d ms",
		e.config.Policy.MaxRetries, e.config.Policy.RetryDelay.Milliseconds())

	e.sessionID = uuid.New().String()
	if e.db != nil {
		if _, err := e.db.InsertSession(&storage.Session{
			UUID:      e.sessionID,
			NodeID:    e.config.NodeID,
			Channel:   e.transport.Channel(),
			Transport: e.config.TransportName,
		}); err != nil {
			log.Printf("Failed to record session: %v", err)
		}
	}

	e.broadcast(protocol.PidReset)
	e.metrics.Channel(e.transport.Channel())

	e.wg.Add(1)
	go e.mainLoop(ctx)

	e.wg.Add(1)
	go e.rxLoop(ctx)

	if e.config.AliveInterval > 0 {
		e.wg.Add(1)
		go e.aliveLoop(ctx)
	}

	e.serving.Store(true)
	if e.health != nil {
		e.health.SetServing(true)
	}

	log.Printf("Engine started: session %s", e.sessionID)
	return nil
}

// Stop stops the loops and closes the radio and database
func (e *Engine) Stop() error {
	e.stopOnce.Do(e.stop)
	return nil
}

func (e *Engine) stop() {
	close(e.stopChan)
	e.wg.Wait()

	e.serving.Store(false)
	if e.health != nil {
		e.health.SetServing(false)
	}

	if err := e.transport.Close(); err != nil {
		log.Printf("Error closing radio: %v", err)
	}

	if e.db != nil {
		if e.sessionID != "" {
			if err := e.db.CloseSession(e.sessionID); err != nil {
				log.Printf("Error closing session: %v", err)
			}
		}
		if err := e.db.Close(); err != nil {
			log.Printf("Error closing database: %v", err)
		}
	}

	log.Println("Engine stopped")
}

// ServeConsole reads frames from r and dispatches them until EOF or ctx is
// cancelled. Over-long lines are reported and skipped.
func (e *Engine) ServeConsole(ctx context.Context, r io.Reader) error {
	reader := console.NewReader(r)
	for {
		if ctx.Err() != nil {
			return nil
		}

		f, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, console.ErrLineTooLong) {
				e.report.Report("unhandled:line too long")
				continue
			}
			return fmt.Errorf("failed to read console: %w", err)
		}
		e.HandleFrame(f)
	}
}

// HandleFrame dispatches one console frame
func (e *Engine) HandleFrame(f console.Frame) {
	if f.IsBinary() {
		e.dispatcher.HandleBinary(f.Binary)
		return
	}
	e.dispatcher.HandleText(f.Text)
}

// mainLoop services the radio and the outbox
func (e *Engine) mainLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.poll()
		}
	}
}

// poll runs one main loop iteration
func (e *Engine) poll() {
	if e.transport.IRQPending() {
		e.report.Report("radio_event:irq pending, missed interrupt, re init()")
		e.reinit()
	}

	if frame, ok := e.outbox.Take(); ok {
		e.sendPending(frame)
	}

	e.metrics.Channel(e.transport.Channel())
	e.metrics.RxQueueDropped(e.link.Dropped())
}

// reinit reprograms the radio, keeping the channel currently tuned
func (e *Engine) reinit() {
	cfg := e.config.Radio
	cfg.Channel = e.transport.Channel()
	if err := e.transport.Configure(cfg); err != nil {
		log.Printf("Failed to re-initialize radio: %v", err)
		return
	}
	e.metrics.IRQReinit()
}

// sendPending transmits a console frame with the reliable policy
func (e *Engine) sendPending(frame []byte) {
	outcome := e.link.SendReliable(frame, e.config.Policy)
	if outcome.Delivered {
		e.report.Report("send_msg:success;retries:%d", outcome.Retries())
	} else {
		e.report.Report("send_msg:fail:msg:%s", protocol.HexDump(frame))
	}
	e.metrics.SendResult(outcome.Delivered, outcome.AttemptsUsed)

	if e.db == nil {
		return
	}
	if _, err := e.db.InsertSendResult(&storage.SendResult{
		UUID:      uuid.New().String(),
		SessionID: e.sessionID,
		Frame:     frame,
		Delivered: outcome.Delivered,
		Attempts:  outcome.AttemptsUsed,
	}); err != nil {
		log.Printf("Failed to store send result: %v", err)
	}
}

// broadcast sends an empty broadcast from the controller
func (e *Engine) broadcast(pid uint8) {
	p := protocol.NewBroadcast(pid, e.config.NodeID, nil)
	if _, err := e.link.SendPacket(p, e.config.Policy); err != nil {
		log.Printf("Failed to broadcast %s: %v", protocol.ProtocolName(pid), err)
		return
	}
	e.storePacket(storage.DirectionTx, encoded(p), p)
}

// rxLoop handles frames drained from the radio
func (e *Engine) rxLoop(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopChan:
			return
		case frame := <-e.link.Received():
			e.handleReceived(frame)
		}
	}
}

// handleReceived reports, classifies and records one received frame
func (e *Engine) handleReceived(frame []byte) {
	if protocol.Sniffable(frame) {
		e.report.Report("raw:%s", protocol.HexDump(frame[:protocol.FrameLength(frame)]))
	}

	p, err := protocol.Decode(frame)
	if err != nil {
		e.report.Report("rx:drop:%v", err)
		reason := "malformed"
		if errors.Is(err, protocol.ErrTruncated) {
			reason = "truncated"
		}
		e.metrics.FrameDropped(reason)
		return
	}

	cat := protocol.Classify(p)
	e.metrics.FrameReceived(cat.String())
	raw := frame[:protocol.FrameLength(frame)]
	switch {
	case cat.Has(protocol.CategoryBroadcast):
		e.report.Report("bcast:%s", protocol.HexDump(raw))
	case cat.Has(protocol.CategoryAddressed):
		e.report.Report("msg:%s", protocol.HexDump(raw))
	}

	e.storePacket(storage.DirectionRx, raw, p)

	if p.ProtocolID == protocol.PidButton {
		e.handleButton(p)
	}
}

// handleButton records a node wake cycle and notes gaps in its counter
func (e *Engine) handleButton(p *protocol.Packet) {
	b, err := protocol.DecodeButton(p)
	if err != nil {
		log.Printf("Invalid button packet from %d: %v", p.Source, err)
		return
	}

	// Each cycle announces the active state once
	if b.State == node.ButtonActive {
		e.mu.Lock()
		prev, seen := e.nodeLoops[p.Source]
		e.nodeLoops[p.Source] = b.LoopCount
		e.mu.Unlock()

		if seen {
			if missed := (b.LoopCount - prev - 1) & 0x0F; missed > 0 && b.LoopCount != prev {
				log.Printf("Node %d: missed %d wake cycles (%d -> %d)", p.Source, missed, prev, b.LoopCount)
			}
		}
		e.metrics.NodeLoopCount(strconv.Itoa(int(p.Source)), b.LoopCount)
	}

	if e.db == nil {
		return
	}
	if _, err := e.db.RecordNodeCycle(&storage.NodeCycle{
		SessionID: e.sessionID,
		NodeID:    p.Source,
		LoopCount: b.LoopCount,
		State:     b.State,
	}); err != nil {
		log.Printf("Failed to store node cycle: %v", err)
	}
}

func (e *Engine) storePacket(direction string, raw []byte, p *protocol.Packet) {
	if e.db == nil || raw == nil {
		return
	}

	rec := &storage.Packet{
		SessionID:  e.sessionID,
		Direction:  direction,
		Raw:        raw,
		ProtocolID: p.ProtocolID,
		Source:     p.Source,
		Payload:    p.Payload,
		Category:   protocol.Classify(p).String(),
	}
	switch c := p.Control.(type) {
	case protocol.Broadcast:
		rec.Broadcast = true
		rec.TTL = c.TTL
	case protocol.Addressed:
		rec.Class = c.Class
		rec.Dest = p.Dest
	}

	if _, err := e.db.InsertPacket(rec); err != nil {
		log.Printf("Failed to store packet: %v", err)
	}
}

// aliveLoop periodically broadcasts a presence announcement
func (e *Engine) aliveLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.AliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.broadcast(protocol.PidAlive)
		}
	}
}

func encoded(p *protocol.Packet) []byte {
	b, err := protocol.Encode(p)
	if err != nil {
		return nil
	}
	return b
}
