package middleware

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// CORS allows a local operator dashboard to call the Control API from a
// dev server origin, grounded on the teacher's middleware.CORS.
func CORS() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:3000", "http://127.0.0.1:3000"},
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE"},
		AllowHeaders:     []string{"Content-Type", "X-Trace-Id", "X-Request-Id"},
		AllowCredentials: true,
	})
}
