package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"mindflow/backend/internal/adapter"
	"mindflow/backend/internal/conversation"
	"mindflow/backend/internal/graph"
	"mindflow/backend/internal/mindmap"
	"mindflow/backend/internal/separation"
	"mindflow/backend/internal/session"
	"mindflow/backend/pkg/config"
	apperrors "mindflow/backend/pkg/errors"
	"mindflow/backend/pkg/logger"
)

func main() {
	// Initialize logger
	if err := logger.Init(os.Getenv("ENV")); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	log := logger.Get()
	log.Info("Starting mindflow API server...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}

	ctx := context.Background()

	// Initialize Neo4j driver
	driver, err := neo4j.NewDriverWithContext(
		cfg.Neo4jURI,
		neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPassword, ""),
	)
	if err != nil {
		log.Fatal("Failed to create Neo4j driver", zap.Error(err))
	}
	defer driver.Close(context.Background())

	if err := driver.VerifyConnectivity(ctx); err != nil {
		log.Fatal("Failed to verify Neo4j connectivity", zap.Error(err))
	}

	// Initialize MongoDB client
	mongoClient, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		log.Fatal("Failed to create MongoDB client", zap.Error(err))
	}
	defer func() { _ = mongoClient.Disconnect(context.Background()) }()

	pingCtx, cancelPing := context.WithTimeout(ctx, cfg.StoreTimeout)
	defer cancelPing()
	if err := mongoClient.Ping(pingCtx, nil); err != nil {
		log.Fatal("Failed to verify MongoDB connectivity", zap.Error(err))
	}

	// Initialize MySQL via gorm. TranslateError is required so duplicate-key
	// inserts on the separation ledger surface as gorm.ErrDuplicatedKey.
	db, err := gorm.Open(mysql.Open(cfg.MySQLDSN), &gorm.Config{TranslateError: true})
	if err != nil {
		log.Fatal("Failed to connect to MySQL", zap.Error(err))
	}

	// Initialize stores
	graphRepo := graph.NewRepository(driver, cfg.Neo4jDatabase)
	conversationStore := conversation.NewStore(mongoClient.Database(cfg.MongoDatabase))
	if err := conversationStore.EnsureIndexes(ctx); err != nil {
		log.Fatal("Failed to create chat log indexes", zap.Error(err))
	}
	sessionStore := session.NewStore(db)
	if err := sessionStore.Migrate(); err != nil {
		log.Fatal("Failed to migrate session tables", zap.Error(err))
	}

	var titler adapter.TitleGenerator = adapter.PrefixTitler{}
	if cfg.OpenAIAPIKey != "" {
		titler = adapter.NewLLMTitler(cfg.OpenAIAPIKey, cfg.TitleModel)
	}

	aggregator := mindmap.NewAggregator(graphRepo)
	saga := separation.NewSaga(graphRepo, conversationStore, sessionStore, sessionStore, titler, cfg.StoreTimeout)

	// Setup Gin router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(ginLogger(log))
	router.Use(gin.Recovery())

	// CORS middleware
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// API routes
	api := router.Group("/api")
	{
		// All mindmaps for an account, grouped per session
		api.GET("/accounts/:accountId/mindmaps", func(c *gin.Context) {
			accountID := c.Param("accountId")
			ctx := c.Request.Context()

			maps, err := aggregator.AggregateAll(ctx, accountID)
			if err != nil {
				log.Error("Failed to aggregate mindmaps", zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to aggregate mindmaps"})
				return
			}

			c.JSON(http.StatusOK, maps)
		})

		// One session's mindmap
		api.GET("/accounts/:accountId/mindmaps/:sessionId", func(c *gin.Context) {
			accountID := c.Param("accountId")
			sessionID := c.Param("sessionId")
			ctx := c.Request.Context()

			m, err := aggregator.Aggregate(ctx, accountID, sessionID)
			if err != nil {
				log.Error("Failed to aggregate mindmap", zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to aggregate mindmap"})
				return
			}

			c.JSON(http.StatusOK, m)
		})

		// Separate a topic subtree into a new session
		api.POST("/accounts/:accountId/topics/:nodeId/separate", func(c *gin.Context) {
			accountID := c.Param("accountId")
			nodeID := c.Param("nodeId")
			ctx := c.Request.Context()

			newSessionID, err := saga.Separate(ctx, accountID, nodeID)
			if err != nil {
				var already *apperrors.ErrAlreadySeparated
				var topology *apperrors.ErrInvalidTopology
				var partial *apperrors.ErrPartialFailure
				switch {
				case errors.As(err, &already):
					// Idempotent replay: hand back the prior result
					c.JSON(http.StatusOK, gin.H{"new_session_id": already.NewSessionID})
				case apperrors.IsNotFound(err):
					c.JSON(http.StatusNotFound, gin.H{"error": "Topic not found"})
				case errors.As(err, &topology):
					c.JSON(http.StatusConflict, gin.H{"error": topology.Reason})
				case errors.As(err, &partial):
					log.Error("Separation partially failed", zap.Error(err))
					c.JSON(http.StatusInternalServerError, gin.H{
						"error":               "Separation incomplete, retry to resume",
						"last_completed_step": partial.LastCompletedStep,
					})
				default:
					log.Error("Failed to separate topic", zap.Error(err))
					c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to separate topic"})
				}
				return
			}

			c.JSON(http.StatusOK, gin.H{"new_session_id": newSessionID})
		})

		// Delete a topic subtree
		api.DELETE("/accounts/:accountId/topics/:nodeId", func(c *gin.Context) {
			accountID := c.Param("accountId")
			nodeID := c.Param("nodeId")
			ctx := c.Request.Context()

			if err := graphRepo.DeleteSubtree(ctx, accountID, nodeID); err != nil {
				log.Error("Failed to delete subtree", zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete subtree"})
				return
			}

			c.Status(http.StatusNoContent)
		})

		// A session's conversation turns in creation order
		api.GET("/accounts/:accountId/sessions/:sessionId/turns", func(c *gin.Context) {
			accountID := c.Param("accountId")
			ctx := c.Request.Context()

			sessionID, ok := parseSessionID(c)
			if !ok {
				return
			}

			logs, err := conversationStore.ListBySession(ctx, accountID, sessionID)
			if err != nil {
				log.Error("Failed to list conversation turns", zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list conversation turns"})
				return
			}

			c.JSON(http.StatusOK, gin.H{"turns": logs, "count": len(logs)})
		})

		// Rename a session
		api.PUT("/accounts/:accountId/sessions/:sessionId/title", func(c *gin.Context) {
			accountID := c.Param("accountId")
			ctx := c.Request.Context()

			var req struct {
				Title string `json:"title" binding:"required"`
			}
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}

			sessionID, ok := parseSessionID(c)
			if !ok {
				return
			}

			if err := sessionStore.RenameChatRoom(ctx, accountID, sessionID, req.Title); err != nil {
				if apperrors.IsNotFound(err) {
					c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
					return
				}
				log.Error("Failed to rename session", zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update session"})
				return
			}

			c.JSON(http.StatusOK, gin.H{"status": "updated"})
		})

		// Soft-delete one answer fragment
		api.DELETE("/accounts/:accountId/fragments/:fragmentId", func(c *gin.Context) {
			accountID := c.Param("accountId")
			fragmentID := c.Param("fragmentId")
			ctx := c.Request.Context()

			if err := conversationStore.SoftDeleteFragment(ctx, accountID, fragmentID); err != nil {
				if apperrors.IsNotFound(err) {
					c.JSON(http.StatusNotFound, gin.H{"error": "Fragment not found"})
					return
				}
				log.Error("Failed to delete fragment", zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete fragment"})
				return
			}

			c.Status(http.StatusNoContent)
		})

		// Star or unstar a session
		api.PUT("/accounts/:accountId/sessions/:sessionId/starred", func(c *gin.Context) {
			accountID := c.Param("accountId")
			ctx := c.Request.Context()

			var req struct {
				Starred *bool `json:"starred" binding:"required"`
			}
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}

			sessionID, ok := parseSessionID(c)
			if !ok {
				return
			}

			if err := sessionStore.SetStarred(ctx, accountID, sessionID, *req.Starred); err != nil {
				if apperrors.IsNotFound(err) {
					c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
					return
				}
				log.Error("Failed to update starred flag", zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update session"})
				return
			}

			c.JSON(http.StatusOK, gin.H{"status": "updated"})
		})
	}

	// Start server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("Server started", zap.String("port", cfg.Port))

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server exited")
}

func parseSessionID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("sessionId"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid session id"})
		return 0, false
	}
	return id, true
}

// ginLogger is a custom logger middleware for Gin
func ginLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		if raw != "" {
			path = path + "?" + raw
		}

		log.Info("HTTP Request",
			zap.Int("status", status),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		)
	}
}
