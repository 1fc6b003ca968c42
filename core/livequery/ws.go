package livequery

import (
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/strata-dev/strata/core/access"
	"github.com/strata-dev/strata/core/logger"
	"github.com/strata-dev/strata/core/query"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	pongTimeout  = 60 * time.Second
)

// client commands
const (
	commandSubscribe   = "subscribe"
	commandUnsubscribe = "unsubscribe"
)

type clientCommand struct {
	Op        string          `json:"op"`
	RequestID string          `json:"request_id"`
	Class     string          `json:"class"`
	Query     json.RawMessage `json:"query"`
}

type serverMessage struct {
	Op        string `json:"op"`
	RequestID string `json:"request_id,omitempty"`
	Error     string `json:"error,omitempty"`
	Event     *Event `json:"event,omitempty"`
}

// IdentityResolver authenticates the websocket handshake request.
type IdentityResolver func(r *http.Request) (access.Identity, error)

// Gateway exposes the hub over a websocket endpoint. Each connection can
// hold multiple subscriptions, addressed by a client-chosen request
// identifier:
//
//	-> {"op":"subscribe","request_id":"1","class":"Note","query":{"where":{...}}}
//	<- {"op":"subscribed","request_id":"1"}
//	<- {"op":"event","request_id":"1","event":{"kind":"enter",...}}
//	-> {"op":"unsubscribe","request_id":"1"}
type Gateway struct {
	hub      *Hub
	identify IdentityResolver
	upgrader websocket.Upgrader
}

// NewGateway creates a websocket gateway on the hub. The resolver turns
// the handshake request into the identity that all subscriptions of the
// connection run under.
func NewGateway(hub *Hub, identify IdentityResolver) *Gateway {
	return &Gateway{
		hub:      hub,
		identify: identify,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	identity, err := g.identify(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rlog.WithError(err).Warn("websocket upgrade failed")
		return
	}
	connection := &wsConnection{
		hub:           g.hub,
		conn:          conn,
		identity:      identity,
		subscriptions: make(map[string]*Subscription),
	}
	connection.run()
}

// wsConnection is one websocket client. The gorilla connection supports a
// single concurrent writer, hence the write mutex.
type wsConnection struct {
	hub      *Hub
	conn     *websocket.Conn
	identity access.Identity

	writeMutex sync.Mutex

	mutex         sync.Mutex
	subscriptions map[string]*Subscription
}

func (c *wsConnection) run() {
	stopPing := make(chan struct{})
	go c.pingLoop(stopPing)
	c.readLoop()
	close(stopPing)

	c.mutex.Lock()
	subscriptions := c.subscriptions
	c.subscriptions = make(map[string]*Subscription)
	c.mutex.Unlock()
	for _, subscription := range subscriptions {
		c.hub.Unsubscribe(subscription)
	}
	c.conn.Close()
}

func (c *wsConnection) readLoop() {
	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var command clientCommand
		if err := json.Unmarshal(data, &command); err != nil {
			c.writeMessage(serverMessage{Op: "error", Error: "malformed command"})
			continue
		}
		switch command.Op {
		case commandSubscribe:
			c.handleSubscribe(command)
		case commandUnsubscribe:
			c.handleUnsubscribe(command)
		default:
			c.writeMessage(serverMessage{Op: "error", RequestID: command.RequestID, Error: "unknown op"})
		}
	}
}

func (c *wsConnection) pingLoop(stop chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.writeMutex.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMutex.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *wsConnection) handleSubscribe(command clientCommand) {
	if command.RequestID == "" {
		c.writeMessage(serverMessage{Op: "error", Error: "request_id required"})
		return
	}
	queryData := command.Query
	if len(queryData) == 0 {
		queryData = []byte("{}")
	}
	q, err := query.Parse(command.Class, queryData)
	if err != nil {
		c.writeMessage(serverMessage{Op: "error", RequestID: command.RequestID, Error: err.Error()})
		return
	}
	subscription, err := c.hub.Subscribe(c.identity, q, &wsChannel{connection: c, requestID: command.RequestID})
	if err != nil {
		c.writeMessage(serverMessage{Op: "error", RequestID: command.RequestID, Error: err.Error()})
		return
	}
	c.mutex.Lock()
	previous := c.subscriptions[command.RequestID]
	c.subscriptions[command.RequestID] = subscription
	c.mutex.Unlock()
	if previous != nil {
		c.hub.Unsubscribe(previous)
	}
	c.writeMessage(serverMessage{Op: "subscribed", RequestID: command.RequestID})
}

func (c *wsConnection) handleUnsubscribe(command clientCommand) {
	c.mutex.Lock()
	subscription := c.subscriptions[command.RequestID]
	delete(c.subscriptions, command.RequestID)
	c.mutex.Unlock()
	if subscription == nil {
		c.writeMessage(serverMessage{Op: "error", RequestID: command.RequestID, Error: "unknown subscription"})
		return
	}
	c.hub.Unsubscribe(subscription)
	c.writeMessage(serverMessage{Op: "unsubscribed", RequestID: command.RequestID})
}

func (c *wsConnection) writeMessage(message serverMessage) error {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(message)
}

// wsChannel delivers one subscription's events over the connection.
type wsChannel struct {
	connection *wsConnection
	requestID  string
}

func (ch *wsChannel) Send(event Event) error {
	return ch.connection.writeMessage(serverMessage{Op: "event", RequestID: ch.requestID, Event: &event})
}

// Close detaches the subscription from the connection; the connection
// itself stays open for its other subscriptions. The request_id may
// already belong to a replacement subscription, which must stay
// registered.
func (ch *wsChannel) Close() {
	c := ch.connection
	c.mutex.Lock()
	if subscription := c.subscriptions[ch.requestID]; subscription != nil && subscription.channel == ch {
		delete(c.subscriptions, ch.requestID)
	}
	c.mutex.Unlock()
}
