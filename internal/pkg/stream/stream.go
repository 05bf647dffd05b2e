// Package stream owns the websocket to the Evo gateway: one shared
// connection per process, serving every discovered device.
package stream

import (
	"context"
	"encoding/json"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/smarthome-bridges/haier-evo/internal/pkg/evoapi"
	"github.com/smarthome-bridges/haier-evo/internal/pkg/evoauth"
	"github.com/smarthome-bridges/haier-evo/internal/pkg/logging"
)

const (
	DefaultURL = "wss://iot-platform.evo.haieronline.ru/gateway-ws-service/ws/"

	writeWait = 10 * time.Second

	// failed dials back off briefly; drops of an established connection
	// reconnect immediately
	dialRetryDelay = 5 * time.Second
)

type Status int32

const (
	StatusUninitialized Status = iota
	StatusConnecting
	StatusConnected
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Frame is the inbound message envelope.  Every event kind the gateway
// pushes carries the device identifier at the top level.
type Frame struct {
	Event      string       `json:"event"`
	MACAddress string       `json:"macAddress"`
	Payload    FramePayload `json:"payload"`
}

type FramePayload struct {
	Statuses []StatusEntry `json:"statuses"`
}

type StatusEntry struct {
	Properties map[string]evoapi.AttributeValue `json:"properties"`
}

// Handler consumes inbound frames.  It runs on the receive loop and must
// not block on slow I/O or keep-alive pongs starve.
type Handler func(Frame)

type Conn struct {
	auth    *evoauth.Manager
	url     string
	handler Handler

	mu     sync.Mutex
	status Status
	ws     *websocket.Conn

	writeMu             sync.Mutex
	disconnectRequested atomic.Bool
}

func New(auth *evoauth.Manager, handler Handler) *Conn {
	return &Conn{
		auth:    auth,
		url:     DefaultURL,
		handler: handler,
		status:  StatusUninitialized,
	}
}

func (c *Conn) WithURL(u string) *Conn {
	c.url = u
	return c
}

func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connect authenticates, dials the gateway and blocks running the receive
// loop until the connection closes.  Reentrant: a no-op while another
// attempt is connecting or connected.  An unrequested close schedules a
// fresh attempt on its own goroutine before Connect returns.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.status == StatusConnecting || c.status == StatusConnected {
		status := c.status
		c.mu.Unlock()
		logging.Logger(ctx).Infof("Not connecting, socket is %s", status)
		return nil
	}
	c.status = StatusConnecting
	c.mu.Unlock()

	if err := c.auth.EnsureAuthenticated(ctx); err != nil {
		c.setStatus(StatusDisconnected)
		return err
	}

	logging.Logger(ctx).Debugf("Connecting to websocket (%s)", c.url)

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, c.url+c.auth.AccessToken(), nil)
	if err != nil {
		if resp != nil {
			logging.Logger(ctx).WithError(err).Errorf("Websocket dial failed, status %s", resp.Status)
		} else {
			logging.Logger(ctx).WithError(err).Error("Websocket dial failed")
		}
		c.setStatus(StatusDisconnected)
		c.scheduleReconnect(dialRetryDelay)
		return err
	}

	ws.SetPingHandler(func(string) error {
		return ws.WriteControl(websocket.PongMessage, nil, time.Now().Add(writeWait))
	})

	c.mu.Lock()
	c.ws = ws
	c.status = StatusConnected
	c.mu.Unlock()
	logging.Logger(ctx).Debug("Websocket opened")

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			logging.Logger(ctx).WithError(err).Debug("Websocket closed")
			break
		}
		c.dispatch(data)
	}

	c.mu.Lock()
	c.ws = nil
	c.status = StatusDisconnected
	c.mu.Unlock()

	c.scheduleReconnect(0)
	return nil
}

// dispatch hands one inbound frame to the handler.  Nothing a frame does is
// allowed to kill the receive loop.
func (c *Conn) dispatch(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			logging.Logger(nil).Errorf("caught panic handling frame: %v : %s", r, debug.Stack())
		}
	}()

	logging.Logger(nil).Debugf("Received frame: %s", data)

	frame := Frame{}
	if err := json.Unmarshal(data, &frame); err != nil {
		logging.Logger(nil).WithError(err).Warnf("Dropping undecodable frame: %s", data)
		return
	}
	if frame.MACAddress == "" {
		logging.Logger(nil).Warnf("Dropping frame without a device id: %s", data)
		return
	}

	c.handler(frame)
}

// scheduleReconnect starts a fresh connection attempt unless a disconnect
// was explicitly requested.  Never blocks the caller.
func (c *Conn) scheduleReconnect(delay time.Duration) {
	if c.disconnectRequested.Load() {
		logging.Logger(nil).Debug("Disconnect was explicitly requested, not reconnecting")
		return
	}

	logging.Logger(nil).Debug("Reconnecting on unwanted socket close")
	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		if err := c.Connect(context.Background()); err != nil {
			logging.Logger(nil).WithError(err).Error("reconnect attempt failed")
		}
	}()
}

// Send forwards a serialized frame to the open socket.  Sends are
// best-effort: a closed socket triggers the reconnect decision instead of
// failing the caller.
func (c *Conn) Send(payload []byte) {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()

	if ws == nil {
		logging.Logger(nil).Warn("Send on closed socket")
		c.scheduleReconnect(0)
		return
	}

	c.writeMu.Lock()
	err := ws.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()

	if err != nil {
		logging.Logger(nil).WithError(err).Warn("Send failed, socket presumed closed")
		c.scheduleReconnect(0)
	}
}

// Disconnect closes the connection and suppresses auto-reconnect.
func (c *Conn) Disconnect() {
	c.disconnectRequested.Store(true)

	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()

	if ws != nil {
		deadline := time.Now().Add(writeWait)
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = ws.Close()
	}
}

func (c *Conn) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}
