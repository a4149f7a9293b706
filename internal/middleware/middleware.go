package middleware

import (
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

var jwtSecret = []byte(os.Getenv("JWT_SECRET"))

// parseBearerToken validates the Authorization header and returns the
// user id from the token claims.
func parseBearerToken(c *gin.Context) (int, bool) {
	header := c.GetHeader("Authorization")
	if header == "" {
		return 0, false
	}

	tokenString := strings.TrimPrefix(header, "Bearer ")
	if tokenString == header {
		return 0, false
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return 0, false
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, false
	}

	// JSON numbers decode as float64
	userID, ok := claims["user_id"].(float64)
	if !ok {
		return 0, false
	}

	return int(userID), true
}

// AuthMiddleware requires a valid JWT and stores user_id on the context
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := parseBearerToken(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or missing token"})
			c.Abort()
			return
		}

		c.Set("user_id", userID)
		c.Next()
	}
}

// OptionalAuth stores user_id when a valid token is present but lets
// anonymous requests through. Vote submission uses it: authenticated
// users are deduplicated by user id, anonymous voters by voter token.
func OptionalAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if userID, ok := parseBearerToken(c); ok {
			c.Set("user_id", userID)
		}
		c.Next()
	}
}

// RateLimit applies a token-bucket limit per client IP.
type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func RateLimit(rps rate.Limit, burst int) gin.HandlerFunc {
	var mu sync.Mutex
	clients := make(map[string]*clientLimiter)

	// Evict idle clients so the map doesn't grow forever
	go func() {
		for range time.Tick(time.Minute) {
			mu.Lock()
			for ip, cl := range clients {
				if time.Since(cl.lastSeen) > 3*time.Minute {
					delete(clients, ip)
				}
			}
			mu.Unlock()
		}
	}()

	return func(c *gin.Context) {
		ip := c.ClientIP()

		mu.Lock()
		cl, ok := clients[ip]
		if !ok {
			cl = &clientLimiter{limiter: rate.NewLimiter(rps, burst)}
			clients[ip] = cl
		}
		cl.lastSeen = time.Now()
		allowed := cl.limiter.Allow()
		mu.Unlock()

		if !allowed {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests"})
			c.Abort()
			return
		}

		c.Next()
	}
}
