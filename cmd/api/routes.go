package main

import (
	"healthtrack-platform/internal/httpapi"
	"healthtrack-platform/internal/rbac"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, authMW gin.HandlerFunc) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// AUTH routes (token issuance).
	// NOTE: This is a placeholder login route; real credential validation is not implemented.
	r.POST("/v1/auth/login", h.Login)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		// CALL signaling: one action-dispatched endpoint. Both roles hit it;
		// the service decides per-session who may do what.
		v1.POST("/call/signal", rbac.RequireAnyRole(rbac.RolePatient, rbac.RoleDoctor), h.Signal)

		// DIRECTORY routes
		v1.GET("/doctors", h.ListDoctors)
		v1.POST("/connections", rbac.RequireAnyRole(rbac.RolePatient), h.RequestConnection)
		v1.POST("/connections/accept", rbac.RequireAnyRole(rbac.RoleDoctor), h.AcceptConnection)
	}
}
