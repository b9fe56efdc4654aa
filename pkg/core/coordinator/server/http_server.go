// Package server 计算节点的HTTP服务器
package server

import (
	"context"
	"net/http"
	"time"

	"FogMPC/pkg/core/coordinator/utils"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Registrar 挂载业务路由
type Registrar interface {
	Register(r gin.IRouter)
}

// StatusFunc 名册在线状态，可以为空
type StatusFunc func() map[string]interface{}

// HTTPServer HTTP服务器
type HTTPServer struct {
	Server  *http.Server
	Addr    string
	LocalIP string
	router  *gin.Engine
}

// NewHTTPServer 创建新的HTTP服务器
func NewHTTPServer(addr string, routes Registrar, status StatusFunc) *HTTPServer {
	// 获取本机IP
	localIP, err := utils.GetLocalIP()
	if err != nil {
		log.Warn().Err(err).Msg("获取本机IP失败")
		localIP = "未知"
	}

	router := gin.New()
	router.Use(gin.Recovery())
	routes.Register(router)

	router.GET("/status", func(c *gin.Context) {
		body := gin.H{"ip": localIP, "addr": addr, "status": "online"}
		if status != nil {
			body["participants"] = status()
		}
		c.JSON(http.StatusOK, body)
	})
	router.GET("/status/online", func(c *gin.Context) {
		if status == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "进程内参与方，无名册"})
			return
		}
		c.JSON(http.StatusOK, status())
	})

	return &HTTPServer{
		Server:  &http.Server{Addr: addr, Handler: router},
		Addr:    addr,
		LocalIP: localIP,
		router:  router,
	}
}

// Handler 路由
func (hs *HTTPServer) Handler() http.Handler {
	return hs.router
}

// Start 在后台启动HTTP服务器
func (hs *HTTPServer) Start() error {
	log.Info().Msgf("计算节点启动中, 监听地址: %s", hs.Addr)
	log.Info().Msgf("详细状态页面: http://%s%s/status", hs.LocalIP, hs.Addr)

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
