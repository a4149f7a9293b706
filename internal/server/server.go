package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/emilythestrangee/pollhub/backend/internal/database"
	"github.com/emilythestrangee/pollhub/backend/internal/handlers"
	"github.com/emilythestrangee/pollhub/backend/internal/middleware"
	"github.com/emilythestrangee/pollhub/backend/internal/realtime"
)

type Server struct {
	db      *database.Database
	handler *handlers.Handler
	hub     *realtime.Hub
}

// NewServer creates and configures a new server
func NewServer() *http.Server {
	// Initialize database
	db, err := database.NewDatabase()
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	// Vote event hub, fed by the database change feed
	hub := realtime.NewHub()

	// Create unified handler (runs AutoMigrate)
	handler := handlers.NewHandler(db, hub)

	// Constraints, trigger and submit_vote depend on migrated tables
	if err := db.Initialize(); err != nil {
		log.Fatalf("Failed to initialize schema: %v", err)
	}

	// Forward pg_notify vote events into the hub
	listener := realtime.NewListener(database.ConnString(), database.VoteChannel, hub)
	go listener.Run(context.Background())

	// Create server instance
	newServer := &Server{
		db:      db,
		handler: handler,
		hub:     hub,
	}

	// Configure Gin router
	router := newServer.RegisterRoutes()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080" // local dev fallback
	}

	// Create HTTP server
	server := &http.Server{
		Addr:         "0.0.0.0:" + port,
		Handler:      router,
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	log.Printf("🚀 Server starting on port %s\n", port)
	fmt.Println("📝 Press Ctrl+C to stop the server")

	return server
}

// RegisterRoutes sets up all application routes
func (s *Server) RegisterRoutes() *gin.Engine {
	r := gin.Default()

	// CORS configuration
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"},
		AllowHeaders:     []string{"Accept", "Authorization", "Content-Type", "X-Requested-With", "X-Voter-Token"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * 3600,
	}))

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, database.New().Health())
	})

	// Abuse-prone endpoints get their own buckets
	authLimit := middleware.RateLimit(1, 5)
	voteLimit := middleware.RateLimit(5, 10)

	// API routes
	api := r.Group("/api")
	{
		// Auth routes (public)
		api.POST("/register", authLimit, s.handler.Auth.Register)
		api.POST("/login", authLimit, s.handler.Auth.Login)

		// Poll reads (public, auth optional so creators see private polls)
		reads := api.Group("", middleware.OptionalAuth())
		{
			reads.GET("/polls", s.handler.Poll.GetPolls)
			reads.GET("/polls/:id", s.handler.Poll.GetPoll)
			reads.GET("/polls/:id/results", s.handler.Result.GetResults)
			reads.GET("/polls/:id/live", s.handler.Result.LiveResults)
			reads.GET("/users/:id/polls", s.handler.Poll.GetUserPolls)

			// Voting works for both users and anonymous participants
			reads.POST("/polls/:id/claim", voteLimit, s.handler.Vote.ClaimVoterToken)
			reads.POST("/polls/:id/vote", voteLimit, s.handler.Vote.SubmitVote)
			reads.DELETE("/polls/:id/vote", s.handler.Vote.RetractVote)
		}

		// Protected routes (authentication required)
		protected := api.Group("")
		protected.Use(middleware.AuthMiddleware())
		{
			protected.GET("/me", s.handler.Auth.GetMe)

			protected.POST("/polls", s.handler.Poll.CreatePoll)
			protected.PUT("/polls/:id", s.handler.Poll.UpdatePoll)
			protected.DELETE("/polls/:id", s.handler.Poll.DeletePoll)
			protected.POST("/polls/:id/close", s.handler.Poll.ClosePoll)
		}
	}

	return r
}
