package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cloud-wave-best-zizon/order-service/internal/domain"
	"github.com/cloud-wave-best-zizon/order-service/internal/service"
	"github.com/cloud-wave-best-zizon/order-service/pkg/middleware"
)

type OrderHandler struct {
	orderService *service.OrderService
	cartService  *service.CartService
	logger       *zap.Logger
}

func NewOrderHandler(orderService *service.OrderService, cartService *service.CartService, logger *zap.Logger) *OrderHandler {
	return &OrderHandler{
		orderService: orderService,
		cartService:  cartService,
		logger:       logger,
	}
}

// CreateOrders places one order per line and clears the checked-out cart
// lines. A stock failure midway still returns the orders already placed.
func (h *OrderHandler) CreateOrders(c *gin.Context) {
	uid, _ := middleware.UserID(c)

	var req domain.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request", zap.Error(err))
		badRequest(c, "Invalid request format")
		return
	}

	ctx := c.Request.Context()
	orders, err := h.orderService.CreateOrders(ctx, uid, req.Lines)
	if len(orders) > 0 {
		h.cartService.ClearCheckedOut(ctx, uid, orders)
	}
	if err != nil {
		abortWithError(c, h.logger, err, "Failed to create orders", gin.H{"orders": orders})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"orders": orders})
}

func (h *OrderHandler) PayOrders(c *gin.Context) {
	uid, _ := middleware.UserID(c)

	var req domain.PayOrdersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request", zap.Error(err))
		badRequest(c, "Invalid request format")
		return
	}

	orders, err := h.orderService.PayAll(c.Request.Context(), uid, req.Orders)
	if err != nil {
		abortWithError(c, h.logger, err, "Failed to pay orders", gin.H{"orders": orders})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (h *OrderHandler) CancelOrder(c *gin.Context) {
	uid, _ := middleware.UserID(c)

	order, err := h.orderService.Cancel(c.Request.Context(), uid, c.Param("orderNo"))
	if err != nil {
		abortWithError(c, h.logger, err, "Failed to cancel order", nil)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *OrderHandler) GetOrder(c *gin.Context) {
	uid, _ := middleware.UserID(c)

	detail, err := h.orderService.GetOrderDetail(c.Request.Context(), uid, c.Param("orderNo"))
	if err != nil {
		abortWithError(c, h.logger, err, "Failed to get order", nil)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (h *OrderHandler) ListOrders(c *gin.Context) {
	uid, _ := middleware.UserID(c)

	orders, err := h.orderService.ListOrders(c.Request.Context(), uid)
	if err != nil {
		abortWithError(c, h.logger, err, "Failed to list orders", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (h *OrderHandler) RecentOrders(c *gin.Context) {
	uid, _ := middleware.UserID(c)

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			badRequest(c, "limit must be a number")
			return
		}
		limit = n
	}

	orders, err := h.orderService.RecentOrders(c.Request.Context(), uid, limit, c.Query("status"))
	if err != nil {
		abortWithError(c, h.logger, err, "Failed to list recent orders", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}
