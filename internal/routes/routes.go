package routes

import (
	"research-notes-api/internal/handlers"
	"research-notes-api/internal/middleware"

	"github.com/gin-gonic/gin"
)

// Deps are the handlers and collaborators the router wires together.
type Deps struct {
	WS       *handlers.WSHandler
	Control  *handlers.ControlHandler
	Health   *handlers.HealthHandler
	Verifier middleware.TokenVerifier
}

func SetupRoutes(deps Deps) *gin.Engine {
	ginRouter := gin.Default()

	// CORS middleware (for frontend integration)
	ginRouter.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	ginRouter.GET("/health", deps.Health.Health)

	api := ginRouter.Group("/api")
	{
		api.POST("/login", handlers.Login)
	}
	protectedRoutes := api.Group("")
	protectedRoutes.Use(middleware.JWTAuthMiddleware(deps.Verifier))
	{
		protectedRoutes.GET("/me", handlers.Me)
		protectedRoutes.GET("/users", handlers.GetAllUsers)
	}

	// Static segments win over :client_id, so "auth", "db", "clients" and
	// "groups" cannot be used as client ids.
	ws := ginRouter.Group("/ws")
	{
		ws.GET("", deps.WS.Anonymous)
		ws.GET("/auth", deps.WS.Authenticated)
		ws.GET("/db", deps.WS.Database)
		ws.GET("/:client_id", deps.WS.Identified)
		ws.GET("/:client_id/:group", deps.WS.Grouped)

		ws.GET("/clients", deps.Control.ListClients)
		ws.GET("/groups", deps.Control.ListGroups)
		ws.GET("/groups/:group", deps.Control.GroupMembers)
		ws.POST("/send_to/:client_id", deps.Control.SendToClient)
		ws.POST("/broadcast_to_group/:group", deps.Control.BroadcastToGroup)
	}

	return ginRouter
}
