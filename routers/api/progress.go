package api

import (
	"net/http"
	"time"

	"ReelsFactory-server/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// 项目进度 WebSocket 推送。以数据库为唯一来源：先推当前状态，
// 然后轮询 DB，有变化就推。后台任务不依赖这条连接——断了
// 任务照样跑，重连后从持久化状态恢复渲染。
func ProjectProgressWebSocket(c *gin.Context) {
	// 归属校验在升级之前：别人的项目连 WebSocket 都不给开
	p := loadOwnedProject(c)
	if p == nil {
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "WebSocket升级失败"})
		return
	}
	defer conn.Close()

	_ = conn.WriteJSON(p)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	prevUpdated := p.UpdatedAt

	for range ticker.C {
		cur, err := models.GetProjectByID(models.GormDB, p.ID)
		if err != nil {
			// 查询失败继续重试
			continue
		}

		if cur.UpdatedAt.After(prevUpdated) {
			if err := conn.WriteJSON(cur); err != nil {
				break
			}
			prevUpdated = cur.UpdatedAt
		}

		if cur.Status == models.ProjectStatusCompleted || cur.Status == models.ProjectStatusFailed {
			_ = conn.WriteJSON(cur)
			break
		}
	}
}
