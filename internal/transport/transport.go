// Package transport owns the single multiplexed real-time connection:
// typed envelope routing, ACK correlation, heartbeat, offline queue,
// and the reconnect state machine.
package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"privchat/internal/model"
	"privchat/internal/utils/log"
	apperrors "privchat/pkg/errors"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateClosing      State = "closing"
)

const (
	heartbeatInterval = 30 * time.Second
	ackTimeout        = 5 * time.Second
	backoffBase       = time.Second
	backoffMultiplier = 1.5
	backoffCap        = 30 * time.Second
	maxReconnects     = 10
)

type (
	// Conn is the minimal surface of a websocket connection the
	// transport needs; tests substitute an in-memory pipe.
	Conn interface {
		ReadMessage() ([]byte, error)
		WriteMessage(data []byte) error
		Close() error
	}

	Dialer interface {
		Dial(ctx context.Context) (Conn, error)
	}

	// Clock abstracts time so the reconnect machine is testable without
	// real timers.
	Clock interface {
		Now() time.Time
		After(d time.Duration) <-chan time.Time
	}

	Handler func(env *model.Envelope)

	// StatusListener observes state transitions. err is non-nil only for
	// the terminal transition after reconnect attempts are exhausted.
	StatusListener func(state State, err error)

	pendingAck struct {
		done chan error
	}

	Transport struct {
		dialer Dialer
		clock  Clock

		// handlers are registered/removed from arbitrary call sites.
		handlersMu sync.Mutex
		handlers   map[model.EnvelopeType]map[int]Handler
		nextHandle int
		listeners  []StatusListener

		// Everything below is owned by the run loop.
		state       State
		conn        Conn
		connGen     int
		queue       []*model.Envelope
		pendingAcks map[string]*pendingAck
		attempts    int
		intentional bool

		cmds chan func()
		done chan struct{}
	}
)

func New(dialer Dialer, clock Clock) *Transport {
	t := &Transport{
		dialer:      dialer,
		clock:       clock,
		handlers:    make(map[model.EnvelopeType]map[int]Handler),
		state:       StateDisconnected,
		pendingAcks: make(map[string]*pendingAck),
		cmds:        make(chan func(), 64),
		done:        make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *Transport) run() {
	for {
		select {
		case cmd := <-t.cmds:
			cmd()
		case <-t.done:
			return
		}
	}
}

// post hands a command to the run loop; it is a no-op once the
// transport is shut down.
func (t *Transport) post(cmd func()) {
	select {
	case t.cmds <- cmd:
	case <-t.done:
	}
}

// State reports the current connection state.
func (t *Transport) State() State {
	res := make(chan State, 1)
	t.post(func() { res <- t.state })
	select {
	case s := <-res:
		return s
	case <-t.done:
		return StateDisconnected
	}
}

// On registers a handler for an envelope type and returns its removal
// function. Safe to call from any goroutine, including during an
// in-flight reconnect.
func (t *Transport) On(typ model.EnvelopeType, h Handler) (remove func()) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()

	if t.handlers[typ] == nil {
		t.handlers[typ] = make(map[int]Handler)
	}
	handle := t.nextHandle
	t.nextHandle++
	t.handlers[typ][handle] = h

	return func() {
		t.handlersMu.Lock()
		defer t.handlersMu.Unlock()
		delete(t.handlers[typ], handle)
	}
}

// OnStatus registers a state-transition listener.
func (t *Transport) OnStatus(l StatusListener) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.listeners = append(t.listeners, l)
}

// Connect starts connecting unless already connected or connecting.
func (t *Transport) Connect() {
	t.post(func() {
		if t.state != StateDisconnected {
			return
		}
		t.intentional = false
		t.attempts = 0
		t.dial()
	})
}

// Disconnect closes intentionally: pending ACKs fail with a
// disconnected error and no reconnect is scheduled.
func (t *Transport) Disconnect() {
	t.post(func() {
		t.intentional = true
		if t.state == StateDisconnected {
			return
		}
		t.transition(StateClosing, nil)
		if t.conn != nil {
			t.conn.Close()
			t.conn = nil
		}
		t.connGen++
		t.failPendingAcks(apperrors.ErrDisconnected)
		t.transition(StateDisconnected, nil)
	})
}

// Close shuts the transport down for good.
func (t *Transport) Close() {
	t.Disconnect()
	t.post(func() { close(t.done) })
}

// Send transmits an envelope, or queues it while disconnected. A
// new_message send waits for the recipient-side ACK and fails after the
// ACK timeout; queued sends resolve immediately and are flushed in FIFO
// order on the next connect.
func (t *Transport) Send(ctx context.Context, typ model.EnvelopeType, conversationID string, data any) error {
	env, err := model.NewEnvelope(typ, conversationID, data)
	if err != nil {
		return err
	}

	result := make(chan error, 1)
	var ack *pendingAck

	t.post(func() {
		if t.state != StateConnected {
			t.queue = append(t.queue, env)
			result <- nil
			return
		}
		if typ == model.TypeNewMessage {
			ack = &pendingAck{done: make(chan error, 1)}
			t.pendingAcks[env.ID] = ack
			t.startAckTimer(env.ID)
		}
		if err := t.write(env); err != nil {
			if ack != nil {
				delete(t.pendingAcks, env.ID)
			}
			result <- err
			return
		}
		result <- nil
	})

	select {
	case err := <-result:
		if err != nil || ack == nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return apperrors.ErrDisconnected
	}

	select {
	case err := <-ack.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return apperrors.ErrDisconnected
	}
}

// --- run-loop internals; every method below executes on the loop ---

func (t *Transport) dial() {
	t.transition(StateConnecting, nil)
	go func() {
		conn, err := t.dialer.Dial(context.Background())
		t.post(func() { t.dialDone(conn, err) })
	}()
}

func (t *Transport) dialDone(conn Conn, err error) {
	if t.intentional {
		if conn != nil {
			conn.Close()
		}
		t.transition(StateDisconnected, nil)
		return
	}
	if err != nil {
		log.Debug("dial failed", zap.Error(err))
		t.scheduleReconnect()
		return
	}

	t.conn = conn
	t.connGen++
	t.attempts = 0
	t.transition(StateConnected, nil)

	gen := t.connGen
	go t.readLoop(conn, gen)
	go t.heartbeat(gen)
	t.flushQueue()
}

func (t *Transport) flushQueue() {
	queued := t.queue
	t.queue = nil
	for i, env := range queued {
		if err := t.write(env); err != nil {
			// connection died mid-flush; requeue the rest in order
			t.queue = append(t.queue, queued[i:]...)
			return
		}
	}
}

func (t *Transport) write(env *model.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if t.conn == nil {
		return apperrors.ErrDisconnected
	}
	return t.conn.WriteMessage(data)
}

func (t *Transport) startAckTimer(envID string) {
	timer := t.clock.After(ackTimeout)
	go func() {
		select {
		case <-timer:
			t.post(func() {
				if ack, ok := t.pendingAcks[envID]; ok {
					delete(t.pendingAcks, envID)
					ack.done <- apperrors.ErrAckTimeout
				}
			})
		case <-t.done:
		}
	}()
}

func (t *Transport) failPendingAcks(err error) {
	for id, ack := range t.pendingAcks {
		delete(t.pendingAcks, id)
		ack.done <- err
	}
}

func (t *Transport) readLoop(conn Conn, gen int) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			t.post(func() { t.connClosed(gen, err) })
			return
		}
		frame, err := model.DecodeFrame(data)
		if err != nil {
			log.Error("bad inbound frame", zap.Error(err))
			continue
		}
		t.post(func() { t.handleFrame(gen, frame) })
	}
}

func (t *Transport) connClosed(gen int, err error) {
	if gen != t.connGen || t.state != StateConnected {
		return
	}
	log.Debug("connection closed", zap.Error(err))
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.connGen++
	if t.intentional {
		t.transition(StateDisconnected, nil)
		return
	}
	t.scheduleReconnect()
}

func (t *Transport) scheduleReconnect() {
	if t.attempts >= maxReconnects {
		t.failPendingAcks(apperrors.ErrDisconnected)
		t.transition(StateDisconnected, apperrors.ErrReconnectGaveUp)
		return
	}

	delay := reconnectDelay(t.attempts)
	t.attempts++
	t.transition(StateDisconnected, nil)
	log.Debug("scheduling reconnect",
		zap.Int("attempt", t.attempts), zap.Duration("delay", delay))

	timer := t.clock.After(delay)
	go func() {
		select {
		case <-timer:
			t.post(func() {
				if t.intentional || t.state != StateDisconnected {
					return
				}
				t.dial()
			})
		case <-t.done:
		}
	}()
}

// reconnectDelay grows geometrically from the base and never exceeds
// the cap.
func reconnectDelay(attempt int) time.Duration {
	d := float64(backoffBase)
	for i := 0; i < attempt; i++ {
		d *= backoffMultiplier
		if d >= float64(backoffCap) {
			return backoffCap
		}
	}
	return time.Duration(d)
}

func (t *Transport) heartbeat(gen int) {
	for {
		select {
		case <-t.clock.After(heartbeatInterval):
			stop := make(chan bool, 1)
			t.post(func() {
				if gen != t.connGen || t.state != StateConnected {
					stop <- true
					return
				}
				env, err := model.NewEnvelope(model.TypePing, "", nil)
				if err == nil {
					t.write(env)
				}
				stop <- false
			})
			select {
			case s := <-stop:
				if s {
					return
				}
			case <-t.done:
				return
			}
		case <-t.done:
			return
		}
	}
}

func (t *Transport) handleFrame(gen int, frame model.Frame) {
	if gen != t.connGen {
		return
	}
	if frame.Flat != nil {
		t.handleFlat(frame.Flat)
		return
	}
	env := frame.Envelope

	switch env.Type {
	case model.TypeAck:
		var ack model.AckData
		if err := json.Unmarshal(env.Data, &ack); err != nil {
			log.Error("bad ack payload", zap.Error(err))
			return
		}
		if pending, ok := t.pendingAcks[ack.ID]; ok {
			delete(t.pendingAcks, ack.ID)
			pending.done <- nil
		}
		return
	case model.TypePing:
		if reply, err := model.NewEnvelope(model.TypePong, "", nil); err == nil {
			t.write(reply)
		}
		return
	case model.TypePong:
		return
	case model.TypeNewMessage, model.TypeMessageDelivered:
		// delivery-critical: acknowledge before dispatch
		if ackEnv, err := model.NewEnvelope(model.TypeAck, "", model.AckData{ID: env.ID}); err == nil {
			t.write(ackEnv)
		}
	}

	t.dispatch(env)
}

func (t *Transport) handleFlat(flat *model.FlatMessage) {
	switch flat.Type {
	case model.TypePing:
		data, _ := json.Marshal(model.FlatMessage{Type: model.TypePong})
		if t.conn != nil {
			t.conn.WriteMessage(data)
		}
	case model.TypePong:
		// no-op
	default:
		log.Debug("ignoring legacy frame", zap.String("type", string(flat.Type)))
	}
}

// dispatch invokes registered handlers off the run loop so a handler
// may call back into Send without deadlocking.
func (t *Transport) dispatch(env *model.Envelope) {
	t.handlersMu.Lock()
	hs := make([]Handler, 0, len(t.handlers[env.Type]))
	for _, h := range t.handlers[env.Type] {
		hs = append(hs, h)
	}
	t.handlersMu.Unlock()

	for _, h := range hs {
		go h(env)
	}
}

func (t *Transport) transition(to State, terminalErr error) {
	if t.state == to && terminalErr == nil {
		return
	}
	t.state = to

	t.handlersMu.Lock()
	listeners := append([]StatusListener(nil), t.listeners...)
	t.handlersMu.Unlock()

	for _, l := range listeners {
		go l(to, terminalErr)
	}
}
