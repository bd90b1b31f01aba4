package models

import "time"

// WebhookStat accumulates per-day webhook outcome counters, flushed in batches
// from Redis by the counter package.
type WebhookStat struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Date      string    `gorm:"type:varchar(10);not null;index:ux_webhook_stats_date_type,unique,priority:1" json:"date"`
	EventType string    `gorm:"type:varchar(100);not null;index:ux_webhook_stats_date_type,unique,priority:2" json:"event_type"`
	Processed int64     `gorm:"not null;default:0" json:"processed"`
	Failed    int64     `gorm:"not null;default:0" json:"failed"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
