package hub

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Session descriptions with
	// every candidate embedded stay well below this.
	maxMessageSize = 64 * 1024

	// SendBuffer is the capacity of a client's outbound queue.
	SendBuffer = 256
)

// Client is one websocket connection to the hub.
type Client struct {
	Hub  *Hub
	Conn *websocket.Conn

	// Send is the outbound queue drained by WritePump. Only the hub
	// writes to it and closes it.
	Send chan *Envelope

	// Routing state, owned by the hub goroutine.
	name    string
	peer    string
	pair    *Pair
	expired bool
}

func NewClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		Hub:  h,
		Conn: conn,
		Send: make(chan *Envelope, SendBuffer),
	}
}

// ReadPump pumps envelopes from the websocket connection to the hub.
//
// The application runs ReadPump in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.Hub.unregister <- c:
		case <-c.Hub.done:
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var env Envelope
		if err := c.Conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logrus.WithFields(logrus.Fields{
					"remote": c.Conn.RemoteAddr().String(),
					"error":  err.Error(),
				}).Warn("Relay connection read failed")
			}
			return
		}

		env.client = c

		select {
		case c.Hub.inbound <- &env:
		case <-c.Hub.done:
			return
		}
	}
}

// WritePump pumps envelopes from the hub to the websocket connection.
//
// A goroutine running WritePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteJSON(env); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
