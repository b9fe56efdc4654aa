package server

import (
	"net/http"

	"FogMPC/pkg/core/threshold"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handlers 参与方HTTP处理器集合
type Handlers struct {
	participant *threshold.LocalParticipant
}

// NewHandlers 创建新的处理器集合
func NewHandlers(p *threshold.LocalParticipant) *Handlers {
	return &Handlers{participant: p}
}

// Register 挂载所有路由
func (h *Handlers) Register(router gin.IRouter) {
	router.GET("/health", h.handleHealth)
	router.POST("/ack", h.handleAck)
	router.POST("/partial_decrypt", h.handlePartialDecrypt)
	router.POST("/retire", h.handleRetire)
}

// handleHealth 健康检查处理器
func (h *Handlers) handleHealth(c *gin.Context) {
	rec := h.participant.Record()
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"index":       rec.Index,
		"ceremony_id": rec.CeremonyID,
		"pending":     h.participant.Pending(),
	})
}

// handleAck 第一轮：接收待解密密文
func (h *Handlers) handleAck(c *gin.Context) {
	var req threshold.AckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求解析失败"})
		return
	}
	if err := h.participant.Acknowledge(c.Request.Context(), &req); err != nil {
		log.Warn().Str("request", req.RequestID).Err(err).Msg("拒绝解密请求")
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "acknowledged", "index": h.participant.Index()})
}

// handlePartialDecrypt 第二轮：生成签名部分解密
func (h *Handlers) handlePartialDecrypt(c *gin.Context) {
	var req threshold.PartialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求解析失败"})
		return
	}
	contribution, err := h.participant.PartialDecrypt(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, contribution)
}

// handleRetire 丢弃请求状态
func (h *Handlers) handleRetire(c *gin.Context) {
	var req struct {
		RequestID string `json:"request_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RequestID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求解析失败"})
		return
	}
	_ = h.participant.Retire(c.Request.Context(), req.RequestID)
	c.JSON(http.StatusOK, gin.H{"status": "retired"})
}
