// Package server exposes the cloud order API and the hub's device and status endpoints over HTTP.
package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/tableside/internal/cloud"
	"github.com/MarcoPoloResearchLab/tableside/internal/orders"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingCloudStore     = errors.New("cloud store dependency required")
)

// CloudDependencies describes the cloud API collaborators.
type CloudDependencies struct {
	Tokens TokenValidator
	Store  cloud.Store
	Logger *zap.Logger
}

// NewCloudHandler builds the authenticated order API that cloud.HTTPStore talks to.
func NewCloudHandler(deps CloudDependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Store == nil {
		return nil, errMissingCloudStore
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &cloudHandler{store: deps.Store, logger: logger}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/v1")
	protected.Use(authorizeRequest(deps.Tokens, logger))
	protected.GET("/orders/by-client/:clientID", handler.handleFindOrder)
	protected.POST("/orders", handler.handleInsertOrder)
	protected.POST("/orders/:orderID/items", handler.handleInsertItems)
	protected.PATCH("/orders/by-client/:clientID", handler.handleUpdateOrder)
	protected.GET("/payments/by-client/:clientID", handler.handleFindPayment)
	protected.POST("/payments", handler.handleInsertPayment)

	return router, nil
}

type cloudHandler struct {
	store  cloud.Store
	logger *zap.Logger
}

func (h *cloudHandler) handleFindOrder(c *gin.Context) {
	ref, found, err := h.store.FindOrder(c.Request.Context(), c.Param("clientID"))
	if err != nil {
		h.writeError(c, "find_order", err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, cloud.ErrorResponse{Error: "order_not_found"})
		return
	}
	c.JSON(http.StatusOK, ref)
}

func (h *cloudHandler) handleInsertOrder(c *gin.Context) {
	var request cloud.OrderRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, cloud.ErrorResponse{Error: "invalid_request"})
		return
	}
	request.Order.Kind = orders.KindOrder
	if err := request.Order.Validate(); err != nil {
		c.JSON(http.StatusUnprocessableEntity, cloud.ErrorResponse{Error: err.Error()})
		return
	}
	ref, err := h.store.InsertOrder(c.Request.Context(), request.Order)
	if errors.Is(err, orders.ErrDuplicateRecord) {
		c.JSON(http.StatusOK, cloud.InsertOrderResponse{Order: ref, Duplicate: true})
		return
	}
	if err != nil {
		h.writeError(c, "insert_order", err)
		return
	}
	h.logger.Info("order committed",
		zap.String("client_id", ref.ClientID),
		zap.String("restaurant_id", request.Order.RestaurantID),
		zap.String("subject", c.GetString(subjectContextKey)))
	c.JSON(http.StatusCreated, cloud.InsertOrderResponse{Order: ref})
}

func (h *cloudHandler) handleInsertItems(c *gin.Context) {
	orderID, err := strconv.ParseInt(c.Param("orderID"), 10, 64)
	if err != nil || orderID <= 0 {
		c.JSON(http.StatusBadRequest, cloud.ErrorResponse{Error: "invalid_order_id"})
		return
	}
	var request cloud.ItemsRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, cloud.ErrorResponse{Error: "invalid_request"})
		return
	}
	if err := orders.ValidateItems(request.Items); err != nil {
		c.JSON(http.StatusUnprocessableEntity, cloud.ErrorResponse{Error: err.Error()})
		return
	}
	if err := h.store.InsertItems(c.Request.Context(), orderID, request.Items); err != nil {
		h.writeError(c, "insert_items", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *cloudHandler) handleUpdateOrder(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, cloud.ErrorResponse{Error: "invalid_request"})
		return
	}
	update, err := orders.DecodeUpdate(raw)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, cloud.ErrorResponse{Error: err.Error()})
		return
	}
	ref, err := h.store.UpdateOrder(c.Request.Context(), c.Param("clientID"), update)
	if err != nil {
		h.writeError(c, "update_order", err)
		return
	}
	c.JSON(http.StatusOK, ref)
}

func (h *cloudHandler) handleFindPayment(c *gin.Context) {
	ref, found, err := h.store.FindPayment(c.Request.Context(), c.Param("clientID"))
	if err != nil {
		h.writeError(c, "find_payment", err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, cloud.ErrorResponse{Error: "payment_not_found"})
		return
	}
	c.JSON(http.StatusOK, ref)
}

func (h *cloudHandler) handleInsertPayment(c *gin.Context) {
	var request cloud.PaymentRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, cloud.ErrorResponse{Error: "invalid_request"})
		return
	}
	request.Payment.Kind = orders.KindPayment
	if err := request.Payment.Validate(); err != nil {
		c.JSON(http.StatusUnprocessableEntity, cloud.ErrorResponse{Error: err.Error()})
		return
	}
	ref, err := h.store.InsertPayment(c.Request.Context(), request.Payment)
	if errors.Is(err, orders.ErrDuplicateRecord) {
		c.JSON(http.StatusOK, cloud.InsertPaymentResponse{Payment: ref, Duplicate: true})
		return
	}
	if err != nil {
		h.writeError(c, "insert_payment", err)
		return
	}
	c.JSON(http.StatusCreated, cloud.InsertPaymentResponse{Payment: ref})
}

// writeError maps store errors onto the statuses cloud.HTTPStore understands.
func (h *cloudHandler) writeError(c *gin.Context, operation string, err error) {
	switch {
	case errors.Is(err, orders.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, cloud.ErrorResponse{Error: "not_found"})
	case errors.Is(err, orders.ErrValidation):
		c.JSON(http.StatusUnprocessableEntity, cloud.ErrorResponse{Error: err.Error()})
	default:
		h.logger.Error("cloud store request failed",
			zap.String("operation", "cloud_api."+operation),
			zap.String("path", strings.TrimSpace(c.FullPath())),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, cloud.ErrorResponse{Error: "store_unavailable"})
	}
}
