package api

import (
	"net/http"
	"strings"

	"ReelsFactory-server/config"
	"ReelsFactory-server/models"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const ctxUserID = "user_id"

// 首次见到某个用户时的初始积分
const welcomePoints = 100

// AuthRequired 校验外部 IdP 签发的 Bearer Token。身份对我们是
// opaque 的：只取 sub 当 user id，不做任何用户管理。
func AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tokenStr := strings.TrimPrefix(header, "Bearer ")

		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(config.AppConfig.Auth.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		sub, err := token.Claims.GetSubject()
		if err != nil || sub == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token missing subject"})
			return
		}

		// 首次见到该用户则建积分账户（幂等）
		_ = models.EnsureAccount(models.GormDB, sub, welcomePoints)

		c.Set(ctxUserID, sub)
		c.Next()
	}
}

// CurrentUserID 从上下文取已认证的 user id
func CurrentUserID(c *gin.Context) string {
	return c.GetString(ctxUserID)
}
