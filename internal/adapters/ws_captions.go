package adapters

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/arohealth/teleconsult/internal/app"
	"github.com/arohealth/teleconsult/internal/domain"
)

// CaptionsController terminates the audio WebSocket. Binary frames are
// audio chunks handed to the ingest pipeline; text frames carry the
// ping/pong liveness exchange. Captions flow back on the same socket.
type CaptionsController struct {
	reg        *app.Registry
	ingest     *app.Ingest
	readLimit  int64
	pingPeriod time.Duration
}

func NewCaptionsController(reg *app.Registry, ingest *app.Ingest, readLimit int64, pingPeriod time.Duration) *CaptionsController {
	return &CaptionsController{reg: reg, ingest: ingest, readLimit: readLimit, pingPeriod: pingPeriod}
}

func (ctl *CaptionsController) Handle(ctx context.Context, c *gin.Context) {
	cid := domain.ConsultationID(c.Param("consultation"))
	role, err := domain.ParseRole(c.Param("role"))
	if err != nil {
		c.JSON(400, gin.H{"error": "role must be doctor or patient"})
		return
	}
	token := c.GetString("client_token")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.captions").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.readLimit)
	if ctl.pingPeriod > 0 {
		readWait := ctl.pingPeriod + writeWait
		_ = ws.SetReadDeadline(time.Now().Add(readWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(readWait))
		})
	}

	conn := newWSConn(ws)
	res, rec := ctl.reg.Admit(cid, role, token, conn)
	if res == app.SessionFull {
		refuse(ws, "session full, role already taken")
		return
	}
	_ = conn.TrySend(domain.SignalingMessage{Type: domain.MsgConnected, Role: role}.Encode())

	ctx, cancel := context.WithCancel(ctx)
	go conn.writePump(ctx, "adapters.captions", ctl.pingPeriod)
	go ctl.readPump(ctx, cancel, cid, role, rec.ID, conn)
}

func (ctl *CaptionsController) readPump(ctx context.Context, cancel context.CancelFunc, cid domain.ConsultationID, role domain.Role, connID string, c *wsConn) {
	defer func() {
		log.Info().Str("module", "adapters.captions").Str("consultation", string(cid)).
			Str("role", role.String()).Msg("readPump closing")
		ctl.reg.Drop(cid, role, connID)
		// Only clear stream diagnostics when no newer leg took over.
		if _, ok := ctl.reg.Lookup(cid, role); !ok {
			ctl.ingest.Forget(cid, role)
		}
		c.Close()
		cancel()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			mt, data, err := c.conn.ReadMessage()
			if err != nil {
				logCloseReason("adapters.captions", err)
				return
			}
			ctl.handleFrame(ctx, cid, role, c, mt, data)
		}
	}
}

func (ctl *CaptionsController) handleFrame(ctx context.Context, cid domain.ConsultationID, role domain.Role, c *wsConn, messageType int, data []byte) {
	if messageType == websocket.BinaryMessage {
		ctl.reg.Touch(cid, role)
		ctl.ingest.HandleChunk(ctx, cid, role, data)
		return
	}
	t, err := domain.PeekType(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "adapters.captions").Msg("bad json")
		return
	}
	switch t {
	case domain.MsgPing:
		ctl.reg.Touch(cid, role)
		_ = c.TrySend(domain.SignalingMessage{Type: domain.MsgPong}.Encode())
	default:
		log.Warn().Str("module", "adapters.captions").Str("type", string(t)).Msg("unknown message")
	}
}
