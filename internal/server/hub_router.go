package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/tableside/internal/events"
	"github.com/MarcoPoloResearchLab/tableside/internal/hub"
	"github.com/MarcoPoloResearchLab/tableside/internal/hubcache"
	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultHeartbeatInterval = 15 * time.Second
	defaultReadLimit         = 1 << 20

	streamEventHeartbeat = "heartbeat"
)

var (
	errMissingHubService = errors.New("hub service dependency required")
	errMissingHubCache   = errors.New("hub cache dependency required")
)

// HubDependencies describes the hub HTTP surface collaborators.
type HubDependencies struct {
	Service   *hub.Service
	Cache     *hubcache.Store
	Bus       *events.Bus
	Logger    *zap.Logger
	Heartbeat time.Duration
}

// NewHubHandler builds the premises-network surface: the device websocket and
// the dashboard status endpoints.
func NewHubHandler(deps HubDependencies) (http.Handler, error) {
	if deps.Service == nil {
		return nil, errMissingHubService
	}
	if deps.Cache == nil {
		return nil, errMissingHubCache
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &hubHandler{
		service:   deps.Service,
		cache:     deps.Cache,
		bus:       deps.Bus,
		logger:    logger,
		heartbeat: heartbeat,
	}

	router.GET("/ws", handler.handleWebSocket)
	router.GET("/health", handler.handleHealth)
	router.GET("/devices", handler.handleDevices)
	router.GET("/status", handler.handleStatus)
	router.GET("/events", handler.handleEvents)

	return router, nil
}

type hubHandler struct {
	service   *hub.Service
	cache     *hubcache.Store
	bus       *events.Bus
	logger    *zap.Logger
	heartbeat time.Duration
}

func (h *hubHandler) handleWebSocket(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(defaultReadLimit)

	ctx := c.Request.Context()
	session := h.service.Connect(&socketConn{conn: conn})
	defer func() {
		session.Close()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		messageType, frame, err := conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				h.logger.Debug("device connection closed",
					zap.String("device_id", session.DeviceID()),
					zap.Error(err))
			}
			return
		}
		if messageType != websocket.MessageText {
			continue
		}
		if err := session.Handle(ctx, frame); err != nil {
			h.logger.Warn("device reply failed",
				zap.String("device_id", session.DeviceID()),
				zap.Error(err))
			return
		}
	}
}

func (h *hubHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"stationId": h.service.StationID(),
		"devices":   len(h.service.Devices()),
	})
}

func (h *hubHandler) handleDevices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"devices": h.service.Devices()})
}

func (h *hubHandler) handleStatus(c *gin.Context) {
	stats, err := h.cache.Stats(c.Request.Context())
	if err != nil {
		h.logger.Error("cache stats failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cache_unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stationId": h.service.StationID(),
		"devices":   h.service.Devices(),
		"cache":     stats,
	})
}

// handleEvents streams bus events as server-sent events until the client leaves.
func (h *hubHandler) handleEvents(c *gin.Context) {
	if h.bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "events_unavailable"})
		return
	}
	ctx := c.Request.Context()
	stream, cancel := h.bus.Subscribe(ctx)
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.SSEvent(streamEventHeartbeat, gin.H{"stationId": h.service.StationID()})
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event := <-stream:
			c.SSEvent(string(event.Type), event)
			return true
		case now := <-ticker.C:
			c.SSEvent(streamEventHeartbeat, gin.H{"timestamp": now.UTC()})
			return true
		}
	})
}

// socketConn adapts a websocket to hub.Conn.
type socketConn struct {
	conn *websocket.Conn
}

func (s *socketConn) Send(ctx context.Context, frame []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, frame)
}

func (s *socketConn) Close(reason string) error {
	return s.conn.Close(websocket.StatusPolicyViolation, reason)
}
