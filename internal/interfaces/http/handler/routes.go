package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/paramcache/backend/internal/interfaces/http/router"
)

// CacheRoutes creates the /cache route group. Reads are open; adminMiddleware
// (typically JWT) guards population and invalidation.
func CacheRoutes(h *CacheHandler, adminMiddleware ...gin.HandlerFunc) *router.DomainGroup {
	group := router.NewDomainGroup("cache", "/cache")

	group.GET("/sysvar", h.GetSystemRate)
	group.GET("/doctypes", h.GetDocumentTypes)
	group.GET("/dates", h.GetSystemDates)

	// Calendar
	group.GET("/today", h.GetToday)
	group.GET("/holiday", h.IsHoliday)
	group.GET("/day", h.GetDay)
	group.GET("/addday", h.AddDay)

	group.GET("/stats", h.GetStats)

	admin := group.Group("cache-admin", "")
	admin.Use(adminMiddleware...)
	admin.POST("/populate", h.Populate)
	admin.POST("/invalidate", h.InvalidateAll)
	admin.POST("/invalidate/dates", h.InvalidateDates)
	admin.POST("/invalidate/documents", h.InvalidateDocuments)
	admin.POST("/invalidate/rates", h.InvalidateRates)

	return group
}

// SystemRoutes creates the /system route group
func SystemRoutes(h *SystemHandler) *router.DomainGroup {
	group := router.NewDomainGroup("system", "/system")
	group.GET("/ping", h.Ping)
	group.GET("/info", h.GetSystemInfo)
	return group
}
