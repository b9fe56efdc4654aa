package node

import (
	"net/http"
	"time"

	"FogMPC/pkg/core/identity"
	"FogMPC/pkg/errs"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"
)

// API 节点HTTP接口，与命令行命令一一对应
type API struct {
	engine   *Engine
	upgrader websocket.Upgrader
}

// NewAPI 创建接口
func NewAPI(e *Engine) *API {
	return &API{
		engine: e,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Router 构造 gin 路由
func (a *API) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	a.Register(router)
	return router
}

// Register 注册路由
func (a *API) Register(r gin.IRouter) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "players": len(a.engine.Players())})
	})
	r.GET("/events", a.handleEvents)

	r.GET("/players", a.handlePlayers)
	r.POST("/players", a.handleJoin)

	p := r.Group("/players/:id")
	p.POST("/move", a.handleMove)
	p.GET("/position/:target", a.handlePosition)
	p.POST("/grants/:peer", a.handleShareKey)
	p.DELETE("/grants/:peer", a.handleRevokeKey)
	p.POST("/delegated/:peer", a.handleFetchKey)
	p.POST("/reveal/:peer", a.handleReveal)
	p.POST("/rotate", a.handleRotate)
	p.GET("/distance/:target", a.handleDistance)
}

// statusFor 错误 -> HTTP 状态码
func statusFor(err error) int {
	switch {
	case xerrors.Is(err, errs.ErrNotRegistered), xerrors.Is(err, errs.ErrUnknownIdentity), xerrors.Is(err, errs.ErrNoGrant):
		return http.StatusNotFound
	case xerrors.Is(err, errs.ErrMissingKey), xerrors.Is(err, errs.ErrDecryptFailure):
		return http.StatusForbidden
	case xerrors.Is(err, errs.ErrOwnerMismatch):
		return http.StatusConflict
	case xerrors.Is(err, errs.ErrNoiseBudgetExceeded), xerrors.Is(err, errs.ErrOutOfBounds):
		return http.StatusUnprocessableEntity
	case xerrors.Is(err, errs.ErrQuorumNotReached):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func (a *API) handlePlayers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"players": a.engine.Players()})
}

func (a *API) handleJoin(c *gin.Context) {
	var req struct {
		Identity string `json:"identity" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := a.engine.Join(identity.Identity(req.Identity))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"identity":     p.ID,
		"exchange_key": identity.MarshalPublic(p.Exchange.Public()),
		"fhe_key_id":   p.Personal().ID,
	})
}

func (a *API) handleMove(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	dx, dy, err := ParseDelta(string(raw))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := identity.Identity(c.Param("id"))
	if _, err := a.engine.Player(id); err != nil {
		fail(c, err)
		return
	}
	if err := a.engine.Move(id, dx, dy); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "moved"})
}

func (a *API) handlePosition(c *gin.Context) {
	x, y, err := a.engine.GetPosition(identity.Identity(c.Param("id")), identity.Identity(c.Param("target")))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"x": x, "y": y})
}

func (a *API) handleShareKey(c *gin.Context) {
	if err := a.engine.ShareKey(c.Request.Context(), identity.Identity(c.Param("id")), identity.Identity(c.Param("peer"))); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "shared"})
}

func (a *API) handleRevokeKey(c *gin.Context) {
	if err := a.engine.RevokeKey(c.Request.Context(), identity.Identity(c.Param("id")), identity.Identity(c.Param("peer"))); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}

func (a *API) handleFetchKey(c *gin.Context) {
	keyID, err := a.engine.FetchKey(c.Request.Context(), identity.Identity(c.Param("id")), identity.Identity(c.Param("peer")))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key_id": keyID})
}

func (a *API) handleReveal(c *gin.Context) {
	visible, x, y, err := a.engine.Reveal(c.Request.Context(), identity.Identity(c.Param("id")), identity.Identity(c.Param("peer")))
	if err != nil {
		fail(c, err)
		return
	}
	if !visible {
		c.JSON(http.StatusOK, gin.H{"visible": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"visible": true, "x": x, "y": y})
}

func (a *API) handleRotate(c *gin.Context) {
	keyID, err := a.engine.RotateKey(identity.Identity(c.Param("id")))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key_id": keyID})
}

func (a *API) handleDistance(c *gin.Context) {
	d, err := a.engine.Distance(identity.Identity(c.Param("id")), identity.Identity(c.Param("target")))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"distance": d})
}

// handleEvents 把事件以 JSON 文本帧推送给 websocket 客户端，直到任一方断开
func (a *API) handleEvents(c *gin.Context) {
	conn, err := a.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket 升级失败")
		return
	}
	defer conn.Close()

	events, cancel := a.engine.Events().Subscribe()
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug().Err(err).Msg("websocket 写入失败")
				return
			}
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
