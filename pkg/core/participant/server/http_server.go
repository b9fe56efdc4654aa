// Package server 参与方的门限解密HTTP服务
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"FogMPC/pkg/core/coordinator/utils"
	"FogMPC/pkg/core/threshold"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// HTTPServer HTTP服务器
type HTTPServer struct {
	Server  *http.Server
	Port    int
	LocalIP string
	router  *gin.Engine
}

// NewHTTPServer 创建新的HTTP服务器
func NewHTTPServer(port int, p *threshold.LocalParticipant) *HTTPServer {
	// 获取本机IP
	localIP, err := utils.GetLocalIP()
	if err != nil {
		log.Warn().Err(err).Msg("获取本机IP失败")
		localIP = "未知"
	}

	router := gin.New()
	router.Use(gin.Recovery())
	NewHandlers(p).Register(router)

	// 添加状态页面
	router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"id":     p.Index(),
			"ip":     localIP,
			"port":   port,
			"status": "online",
		})
	})

	return &HTTPServer{
		Server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: router,
		},
		Port:    port,
		LocalIP: localIP,
		router:  router,
	}
}

// Handler 路由，测试时可直接挂到 httptest
func (hs *HTTPServer) Handler() http.Handler {
	return hs.router
}

// Start 在后台启动HTTP服务器，不阻塞调用方
func (hs *HTTPServer) Start() error {
	log.Info().Msgf("参与方HTTP服务器启动中, 监听地址: 0.0.0.0:%d", hs.Port)
	log.Info().Msgf("状态页面: http://%s:%d/status", hs.LocalIP, hs.Port)

	go func() {
		if err := hs.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP服务器错误")
		}
	}()
	return nil
}

// Stop 优雅关闭
func (hs *HTTPServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return hs.Server.Shutdown(ctx)
}

// GetLocalIP 获取本机IP地址
func (hs *HTTPServer) GetLocalIP() string {
	return hs.LocalIP
}
