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

type CartHandler struct {
	cartService *service.CartService
	logger      *zap.Logger
}

func NewCartHandler(cartService *service.CartService, logger *zap.Logger) *CartHandler {
	return &CartHandler{
		cartService: cartService,
		logger:      logger,
	}
}

func (h *CartHandler) AddItem(c *gin.Context) {
	uid, _ := middleware.UserID(c)

	var req domain.AddCartItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request", zap.Error(err))
		badRequest(c, "Invalid request format")
		return
	}

	items, err := h.cartService.Add(c.Request.Context(), uid, req)
	if err != nil {
		abortWithError(c, h.logger, err, "Failed to add cart item", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *CartHandler) ListItems(c *gin.Context) {
	uid, _ := middleware.UserID(c)

	items, err := h.cartService.List(c.Request.Context(), uid)
	if err != nil {
		abortWithError(c, h.logger, err, "Failed to list cart", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// RemoveItem takes one unit off a line. cityId is optional.
func (h *CartHandler) RemoveItem(c *gin.Context) {
	uid, _ := middleware.UserID(c)

	productID, err := strconv.ParseInt(c.Query("productId"), 10, 64)
	if err != nil || productID <= 0 {
		badRequest(c, "productId is required")
		return
	}
	var cityID int64
	if raw := c.Query("cityId"); raw != "" {
		if cityID, err = strconv.ParseInt(raw, 10, 64); err != nil {
			badRequest(c, "cityId must be a number")
			return
		}
	}

	items, err := h.cartService.Remove(c.Request.Context(), uid, productID, cityID)
	if err != nil {
		abortWithError(c, h.logger, err, "Failed to remove cart item", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}
