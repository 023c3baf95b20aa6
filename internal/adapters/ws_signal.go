package adapters

import (
	"context"
	"encoding/json"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/arohealth/teleconsult/internal/app"
	"github.com/arohealth/teleconsult/internal/domain"
)

// SignalController terminates the signaling WebSocket: one leg per role
// per consultation, payloads routed through the relay.
type SignalController struct {
	reg       *app.Registry
	relay     *app.Relay
	readLimit int64
}

func NewSignalController(reg *app.Registry, relay *app.Relay, readLimit int64) *SignalController {
	return &SignalController{reg: reg, relay: relay, readLimit: readLimit}
}

func (ctl *SignalController) ActiveSessions() int { return ctl.reg.ActiveSessions() }

func (ctl *SignalController) Handle(ctx context.Context, c *gin.Context) {
	cid := domain.ConsultationID(c.Param("consultation"))
	role, err := domain.ParseRole(c.Param("role"))
	if err != nil {
		c.JSON(400, gin.H{"error": "role must be doctor or patient"})
		return
	}
	token := c.GetString("client_token")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.signal").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.readLimit)

	conn := newWSConn(ws)
	res, rec := ctl.reg.Admit(cid, role, token, conn)
	if res == app.SessionFull {
		refuse(ws, "session full, role already taken")
		return
	}

	peers := 1
	if _, ok := ctl.reg.Counterpart(cid, role); ok {
		peers = 2
	}
	_ = conn.TrySend(domain.SignalingMessage{
		Type:              domain.MsgConnected,
		Role:              role,
		TotalParticipants: peers,
	}.Encode())
	ctl.relay.PeerJoined(cid, role, res)

	ctx, cancel := context.WithCancel(ctx)
	go conn.writePump(ctx, "adapters.signal", 0)
	go ctl.readPump(ctx, cancel, cid, role, rec.ID, conn)
}

// refuse sends one error frame on a connection that was never admitted,
// then closes it. The pumps are never started for it.
func refuse(ws *websocket.Conn, reason string) {
	frame, _ := json.Marshal(struct {
		Type  domain.MessageType `json:"type"`
		Error string             `json:"error"`
	}{Type: domain.MsgError, Error: reason})
	_ = ws.WriteMessage(websocket.TextMessage, frame)
	_ = ws.Close()
}

func (ctl *SignalController) readPump(ctx context.Context, cancel context.CancelFunc, cid domain.ConsultationID, role domain.Role, connID string, c *wsConn) {
	defer func() {
		log.Info().Str("module", "adapters.signal").Str("consultation", string(cid)).
			Str("role", role.String()).Msg("readPump closing")
		ctl.reg.Drop(cid, role, connID)
		c.Close()
		cancel()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				logCloseReason("adapters.signal", err)
				return
			}
			ctl.handleFrame(cid, role, c, data)
		}
	}
}

func (ctl *SignalController) handleFrame(cid domain.ConsultationID, role domain.Role, c *wsConn, data []byte) {
	t, err := domain.PeekType(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "adapters.signal").Msg("bad json")
		return
	}
	switch t {
	case domain.MsgPing:
		_ = c.TrySend(domain.SignalingMessage{Type: domain.MsgPong}.Encode())
		ctl.reg.Touch(cid, role)
	default:
		ctl.relay.Route(cid, role, data)
	}
}
