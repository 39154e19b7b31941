package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"

	"github.com/terminal-bench/stakevault/pkg/messaging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSClient is one connected event-stream subscriber.
type WSClient struct {
	ID        uuid.UUID
	AccountID string
	Conn      *websocket.Conn
	Send      chan []byte
	Done      chan struct{}
}

// wsEnvelope is the frame sent to stream subscribers.
type wsEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// StartEventRelay subscribes to the ledger event subjects and fans each
// event out to the websocket clients of the account it concerns.
func (g *Gateway) StartEventRelay() error {
	if g.msgClient == nil {
		return nil
	}

	subjects := []string{
		messaging.EventTypeStakeOpened,
		messaging.EventTypeStakeClosed,
		messaging.EventTypeReserveAdded,
		messaging.EventTypeReserveRemoved,
	}
	for _, subject := range subjects {
		subject := subject
		if err := g.msgClient.Subscribe(subject, func(msg *nats.Msg) {
			g.relayEvent(subject, msg.Data)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gateway) relayEvent(subject string, data []byte) {
	// Both stake and reserve payloads name the affected account.
	var who struct {
		User     string `json:"user"`
		Provider string `json:"provider"`
	}
	if err := json.Unmarshal(data, &who); err != nil {
		g.log.WithError(err).Warn("unparseable event payload")
		return
	}
	account := who.User
	if account == "" {
		account = who.Provider
	}

	frame, err := json.Marshal(wsEnvelope{Type: subject, Data: data})
	if err != nil {
		return
	}
	g.broadcastToAccount(account, frame)
}

func (g *Gateway) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	client := &WSClient{
		ID:        uuid.New(),
		AccountID: c.MustGet(ctxAccountID).(string),
		Conn:      conn,
		Send:      make(chan []byte, 32),
		Done:      make(chan struct{}),
	}

	g.wsMu.Lock()
	g.wsClients[client.ID] = client
	g.wsMu.Unlock()

	go g.wsReadPump(client)
	go g.wsWritePump(client)
}

func (g *Gateway) wsReadPump(client *WSClient) {
	defer func() {
		g.wsMu.Lock()
		delete(g.wsClients, client.ID)
		g.wsMu.Unlock()
		close(client.Done)
		client.Conn.Close()
	}()

	// The stream is one-way; reads only detect disconnects.
	for {
		if _, _, err := client.Conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (g *Gateway) wsWritePump(client *WSClient) {
	for {
		select {
		case message := <-client.Send:
			if err := client.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-client.Done:
			return
		}
	}
}

func (g *Gateway) broadcastToAccount(accountID string, message []byte) {
	g.wsMu.RLock()
	defer g.wsMu.RUnlock()

	for _, client := range g.wsClients {
		if client.AccountID == accountID {
			select {
			case client.Send <- message:
			default:
				// Slow consumer; drop the frame rather than block the relay.
			}
		}
	}
}
