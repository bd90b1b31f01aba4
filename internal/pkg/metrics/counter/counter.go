package counter

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/LukasBehrendt/StudioMap/internal/pkg/cache"
	"github.com/LukasBehrendt/StudioMap/internal/pkg/database"
)

const (
	webhookProcessedKey = "payments:counters:processed"
	webhookFailedKey    = "payments:counters:failed"
)

// AddWebhookProcessed increments the pending processed counter for an event type in Redis
func AddWebhookProcessed(eventType string) error {
	ctx := context.Background()
	return cache.GetClient().HIncrBy(ctx, webhookProcessedKey, eventType, 1).Err()
}

// AddWebhookFailed increments the pending failed counter for an event type in Redis
func AddWebhookFailed(eventType string) error {
	ctx := context.Background()
	return cache.GetClient().HIncrBy(ctx, webhookFailedKey, eventType, 1).Err()
}

// FlushAll flushes both processed and failed counters to the database
func FlushAll() error {
	if err := flushHashToStats(webhookProcessedKey, "processed"); err != nil {
		return err
	}
	return flushHashToStats(webhookFailedKey, "failed")
}

// flushHashToStats drains a Redis hash atomically and applies batched upserts
// to the webhook_stats table. Uses RENAME to a temporary key for atomic drain
// without losing in-flight increments.
func flushHashToStats(redisKey, column string) error {
	ctx := context.Background()
	rdb := cache.GetClient()

	// Atomically move the hash to a temp key for draining
	tmpKey := fmt.Sprintf("%s:tmp:%d", redisKey, time.Now().UnixNano())
	if err := rdb.Do(ctx, "RENAME", redisKey, tmpKey).Err(); err != nil {
		// If key does not exist, nothing to flush
		if strings.Contains(strings.ToLower(err.Error()), "no such key") {
			return nil
		}
		if err.Error() == "redis: nil" {
			return nil
		}
		return err
	}

	// Ensure cleanup of tmpKey even if later steps fail
	defer rdb.Del(ctx, tmpKey)

	data, err := rdb.HGetAll(ctx, tmpKey).Result()
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}

	type pair struct {
		eventType string
		inc       int64
	}
	pairs := make([]pair, 0, len(data))
	for k, v := range data {
		inc, ierr := strconv.ParseInt(v, 10, 64)
		if ierr != nil || inc == 0 || k == "" {
			continue
		}
		pairs = append(pairs, pair{eventType: k, inc: inc})
	}
	if len(pairs) == 0 {
		return nil
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].eventType < pairs[j].eventType })

	date := time.Now().Format("2006-01-02")
	db := database.GetDB()
	for _, p := range pairs {
		sql := fmt.Sprintf(
			"INSERT INTO webhook_stats (date, event_type, %s) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE %s = %s + ?",
			column, column, column,
		)
		if err := db.Exec(sql, date, p.eventType, p.inc, p.inc).Error; err != nil {
			return err
		}
	}
	return nil
}
