package handler

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cloud-wave-best-zizon/order-service/internal/dashboard"
	"github.com/cloud-wave-best-zizon/order-service/internal/domain"
	"github.com/cloud-wave-best-zizon/order-service/internal/service"
	"github.com/cloud-wave-best-zizon/order-service/pkg/middleware"
)

const defaultDeltaLimit = 500

type SnapshotReader interface {
	Snapshot(ctx context.Context, q service.SnapshotQuery) (*service.Snapshot, error)
}

// Envelope wraps every dashboard response. Cursor is the resume token for
// the delta endpoint.
type Envelope struct {
	Code       int    `json:"code"`
	Message    string `json:"message"`
	ServerTime string `json:"serverTime"`
	Cursor     string `json:"cursor"`
	Data       any    `json:"data"`
}

type DeltaResponse struct {
	Events        []domain.DashboardEvent `json:"events"`
	Next          string                  `json:"next"`
	HasMore       bool                    `json:"hasMore"`
	OldestCursor  string                  `json:"oldestCursor"`
	ResetRequired bool                    `json:"resetRequired"`
}

type DashboardHandler struct {
	snapshots    SnapshotReader
	log          *dashboard.EventLog
	broker       *dashboard.Broker
	heartbeat    time.Duration
	reconnectMax time.Duration
	logger       *zap.Logger
	now          func() time.Time
}

func NewDashboardHandler(
	snapshots SnapshotReader,
	log *dashboard.EventLog,
	broker *dashboard.Broker,
	heartbeat, reconnectMax time.Duration,
	logger *zap.Logger,
) *DashboardHandler {
	return &DashboardHandler{
		snapshots:    snapshots,
		log:          log,
		broker:       broker,
		heartbeat:    heartbeat,
		reconnectMax: reconnectMax,
		logger:       logger,
		now:          time.Now,
	}
}

func (h *DashboardHandler) ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Envelope{
		Code:       0,
		Message:    "ok",
		ServerTime: h.now().UTC().Format(time.RFC3339Nano),
		Cursor:     strconv.FormatInt(h.log.CurrentCursor(), 10),
		Data:       data,
	})
}

func optionalInt64(c *gin.Context, name string) (int64, bool) {
	raw := c.Query(name)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		badRequest(c, name+" must be a number")
		return 0, false
	}
	return v, true
}

func (h *DashboardHandler) Snapshot(c *gin.Context) {
	platformID, ok := optionalInt64(c, "platformId")
	if !ok {
		return
	}
	provinceID, ok := optionalInt64(c, "provinceId")
	if !ok {
		return
	}
	uid, _ := middleware.UserID(c)

	snap, err := h.snapshots.Snapshot(c.Request.Context(), service.SnapshotQuery{
		Scope:      c.DefaultQuery("scope", service.ScopeHome),
		PlatformID: platformID,
		Category:   c.Query("categoryName"),
		ProvinceID: provinceID,
		UserID:     uid,
	})
	if err != nil {
		abortWithError(c, h.logger, err, "Failed to build snapshot", nil)
		return
	}
	h.ok(c, snap)
}

// Stream keeps a text/event-stream open until the client leaves or the
// broker drops the subscriber. Event name is the type, id the cursor.
func (h *DashboardHandler) Stream(c *gin.Context) {
	filter, err := dashboard.NewFilter(c.Query("filter"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	topics := dashboard.ParseTopics(c.Query("topics"))

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache, no-transform")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	sub := h.broker.Open(topics, filter)
	defer h.broker.Close(sub.ID)

	done := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-done:
			return false
		case evt, ok := <-sub.Events():
			if !ok {
				return false
			}
			c.Render(-1, sse.Event{
				Event: string(evt.Type),
				Id:    strconv.FormatInt(evt.Cursor, 10),
				Data:  evt,
			})
			return true
		}
	})
}

// Delta replays retained events after since. next is the last cursor
// scanned, matching or not, so the client never re-reads a filtered page.
func (h *DashboardHandler) Delta(c *gin.Context) {
	since, err := strconv.ParseInt(c.Query("since"), 10, 64)
	if err != nil {
		badRequest(c, "since is required")
		return
	}
	limit := defaultDeltaLimit
	if raw := c.Query("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil {
			badRequest(c, "limit must be a number")
			return
		}
	}
	filter, err := dashboard.NewFilter(c.Query("filter"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	topics := dashboard.ParseTopics(c.Query("topics"))

	raw := h.log.ReadAfter(since, limit)
	events := make([]domain.DashboardEvent, 0, len(raw))
	for _, evt := range raw {
		if dashboard.Match(topics, evt.Topic) || evt.Topic == domain.TopicSystem {
			events = append(events, evt)
		}
	}
	events = dashboard.FilterEvents(filter, events)

	next := since
	if len(raw) > 0 {
		next = raw[len(raw)-1].Cursor
	}

	h.ok(c, DeltaResponse{
		Events:        events,
		Next:          strconv.FormatInt(next, 10),
		HasMore:       len(h.log.ReadAfter(next, 1)) > 0,
		OldestCursor:  strconv.FormatInt(h.log.OldestCursor(), 10),
		ResetRequired: h.log.NeedsSnapshot(since),
	})
}

func (h *DashboardHandler) Meta(c *gin.Context) {
	h.ok(c, domain.DashboardMeta{
		HeartbeatMs:    h.heartbeat.Milliseconds(),
		ReconnectMaxMs: h.reconnectMax.Milliseconds(),
		DefaultTopics:  []string{domain.TopicHome},
	})
}

func (h *DashboardHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"subscribers": h.broker.Count(),
		"cursor":      strconv.FormatInt(h.log.CurrentCursor(), 10),
	})
}
