package handler

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cloud-wave-best-zizon/order-service/pkg/middleware"
)

type Handlers struct {
	Orders    *OrderHandler
	Cart      *CartHandler
	Dashboard *DashboardHandler
}

func NewRouter(h Handlers, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))
	router.Use(middleware.RequestID())
	router.Use(middleware.Identity())
	router.Use(middleware.Cursor(h.Dashboard.log.CurrentCursor))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/health", h.Dashboard.Health)

		dash := v1.Group("/dashboard")
		dash.GET("/snapshot", h.Dashboard.Snapshot)
		dash.GET("/stream", h.Dashboard.Stream)
		dash.GET("/delta", h.Dashboard.Delta)
		dash.GET("/meta", h.Dashboard.Meta)

		orders := v1.Group("/orders", middleware.RequireUser())
		orders.POST("", h.Orders.CreateOrders)
		orders.POST("/pay", h.Orders.PayOrders)
		orders.GET("", h.Orders.ListOrders)
		orders.GET("/recent", h.Orders.RecentOrders)
		orders.GET("/:orderNo", h.Orders.GetOrder)
		orders.POST("/:orderNo/cancel", h.Orders.CancelOrder)

		cart := v1.Group("/cart", middleware.RequireUser())
		cart.POST("", h.Cart.AddItem)
		cart.GET("", h.Cart.ListItems)
		cart.DELETE("", h.Cart.RemoveItem)
	}

	return router
}
