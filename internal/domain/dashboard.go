package domain

import "time"

type EventType string

const (
	EventHello     EventType = "hello"
	EventPatch     EventType = "patch"
	EventHeartbeat EventType = "heartbeat"
)

type PatchOp string

const (
	OpMerge   PatchOp = "merge"
	OpReplace PatchOp = "replace"
	OpNoop    PatchOp = "noop"
)

const (
	TopicHome   = "home"
	TopicSystem = "system"
	TopicAll    = "all"
)

type DashboardEvent struct {
	Cursor    int64     `json:"cursor"`
	Type      EventType `json:"type"`
	Topic     string    `json:"topic"`
	Op        PatchOp   `json:"op"`
	Timestamp time.Time `json:"ts"`
	Payload   any       `json:"payload"`
}

func HelloEvent(cursor int64, now time.Time) DashboardEvent {
	return DashboardEvent{Cursor: cursor, Type: EventHello, Topic: TopicSystem, Op: OpNoop, Timestamp: now}
}

func HeartbeatEvent(cursor int64, now time.Time) DashboardEvent {
	return DashboardEvent{Cursor: cursor, Type: EventHeartbeat, Topic: TopicSystem, Op: OpNoop, Timestamp: now}
}

type ProvinceTotal struct {
	ProvinceID   int64  `json:"province_id"`
	ProvinceName string `json:"province_name"`
	OrderTotal   int64  `json:"order_total"`
}

type CategoryCount struct {
	PlatformID int64  `json:"platform_id"`
	Category   string `json:"category"`
	Count      int64  `json:"cnt"`
}

type DashboardMeta struct {
	HeartbeatMs    int64    `json:"heartbeat_ms"`
	ReconnectMaxMs int64    `json:"reconnect_max_ms"`
	DefaultTopics  []string `json:"default_topics"`
}
