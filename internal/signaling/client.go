package signaling

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

// Settings bounds a single socket.
type Settings struct {
	WriteWait  time.Duration // Time allowed to write a frame to the peer.
	PongWait   time.Duration // Time allowed to read the next pong from the peer.
	PingPeriod time.Duration // Must be less than PongWait.
	ReadLimit  int64
	SendBuffer int
}

func DefaultSettings() Settings {
	return Settings{
		WriteWait:  10 * time.Second,
		PongWait:   60 * time.Second,
		PingPeriod: 54 * time.Second,
		ReadLimit:  4096,
		SendBuffer: 256,
	}
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	ID       string
	UserID   string
	Username string

	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	settings Settings
	decoder  *Decoder
	log      zerolog.Logger
}

// NewClient builds a connection handle for the authenticated principal.
// conn may be nil for connections driven directly through the hub.
func NewClient(hub *Hub, conn *websocket.Conn, userID, username string, settings Settings) *Client {
	id := xid.New().String()
	return &Client{
		ID:       id,
		UserID:   userID,
		Username: username,
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, settings.SendBuffer),
		settings: settings,
		decoder:  NewDecoder(),
		log:      hub.log.With().Str("module", "signaling.client").Str("conn", id).Str("user", userID).Logger(),
	}
}

// Send exposes the outbound queue. It is closed when the hub drops the connection.
func (c *Client) Send() <-chan []byte {
	return c.send
}

// ReadPump pumps frames from the websocket connection to the hub.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.settings.ReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(c.settings.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.settings.PongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("unexpected close")
			}
			return
		}

		payload, err := c.decoder.Decode(message)
		if err != nil {
			if errors.Is(err, ErrUnknownEvent) {
				c.log.Debug().Err(err).Msg("inbound frame dropped")
			} else {
				c.log.Warn().Err(err).Msg("inbound frame dropped")
			}
			continue
		}

		if !c.hub.Dispatch(c, payload) {
			return
		}
	}
}

// WritePump pumps frames from the hub to the websocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.settings.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.settings.WriteWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// Drain what queued up meanwhile; every envelope stays its own frame.
			n := len(c.send)
			for i := 0; i < n; i++ {
				next, ok := <-c.send
				if !ok {
					c.conn.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.conn.WriteMessage(websocket.TextMessage, next); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.settings.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
