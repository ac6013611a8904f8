package queue

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/teamcast/backend/internal/models"
	"go.uber.org/zap"
)

// Stream and key names
const (
	StreamPipeline = "teamcast:pipeline"
	StreamOutbound = "teamcast:outbound"
	delayedKey     = "teamcast:scheduled"

	PipelineGroup = "pipeline-workers"
)

// Pipeline task types
const (
	TaskRunPipeline = "run_pipeline"
	TaskMonitorTick = "monitor_tick"
)

// Task is one unit of pipeline work carried on the task stream.
type Task struct {
	Type       string    `json:"type"`
	CampaignID uuid.UUID `json:"campaign_id"`
	Attempt    int       `json:"attempt"`
}

// OutboundMessage is what the external transport consumes: one recipient of
// one campaign.
type OutboundMessage struct {
	CampaignID string                     `json:"campaign_id"`
	ContentRef string                     `json:"content_ref"`
	Recipient  models.RecipientDescriptor `json:"recipient"`
}

type Queue struct {
	rdb *redis.Client
	log *zap.Logger
}

func New(rdb *redis.Client, log *zap.Logger) *Queue {
	return &Queue{rdb: rdb, log: log}
}

func (q *Queue) EnqueueTask(ctx context.Context, task Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamPipeline,
		Values: map[string]any{"payload": data},
	}).Err()
}

// EnqueueTaskDelayed parks the task in a sorted set scored by due time. The
// worker's mover loop promotes due members onto the task stream, so delays
// never hold a worker goroutine.
func (q *Queue) EnqueueTaskDelayed(ctx context.Context, task Task, delay time.Duration) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	due := time.Now().Add(delay).UnixMilli()
	return q.rdb.ZAdd(ctx, delayedKey, redis.Z{
		Score:  float64(due),
		Member: string(data),
	}).Err()
}

// MoveDueTasks promotes scheduled tasks whose due time has passed onto the
// task stream. Promotion then removal is two steps, so a crash in between
// redelivers the task; every task handler is idempotent, which makes the
// duplicate benign.
func (q *Queue) MoveDueTasks(ctx context.Context) (int, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := q.rdb.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 100,
	}).Result()
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, m := range members {
		if err := q.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: StreamPipeline,
			Values: map[string]any{"payload": m},
		}).Err(); err != nil {
			return moved, err
		}
		if err := q.rdb.ZRem(ctx, delayedKey, m).Err(); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// EnqueueOutboundBatch submits one batch of send messages as a single
// pipelined write. It returns the indexes of messages that failed to enqueue;
// the caller must not mark those recipients dispatched.
func (q *Queue) EnqueueOutboundBatch(ctx context.Context, msgs []OutboundMessage) ([]int, error) {
	if len(msgs) == 0 {
		return nil, nil
	}

	pipe := q.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, len(msgs))
	for i, msg := range msgs {
		data, err := json.Marshal(msg)
		if err != nil {
			return nil, err
		}
		cmds[i] = pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: StreamOutbound,
			Values: map[string]any{"payload": data},
		})
	}

	_, execErr := pipe.Exec(ctx)

	var failed []int
	for i, cmd := range cmds {
		if cmd.Err() != nil {
			failed = append(failed, i)
		}
	}
	if execErr != nil && len(failed) == 0 {
		// Whole pipeline failed before any command ran.
		return nil, execErr
	}
	return failed, nil
}

// ConsumeTasks reads the task stream via a consumer group and acks each task
// the handler finishes. Handler errors leave the entry pending; stale pending
// entries are reclaimed so a crashed worker's tasks get picked up again.
func (q *Queue) ConsumeTasks(ctx context.Context, consumer string, handler func(context.Context, Task) error) error {
	err := q.rdb.XGroupCreateMkStream(ctx, StreamPipeline, PipelineGroup, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return err
	}

	claimStart := "0-0"
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Reclaim entries a dead consumer left pending.
		claimed, next, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream: StreamPipeline, Group: PipelineGroup, Consumer: consumer,
			MinIdle: time.Minute, Start: claimStart, Count: 10,
		}).Result()
		if err == nil {
			claimStart = next
			q.handleEntries(ctx, consumer, claimed, handler)
		}

		streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    PipelineGroup,
			Consumer: consumer,
			Streams:  []string{StreamPipeline, ">"},
			Count:    10,
			Block:    5 * time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.log.Error("task stream read failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		for _, s := range streams {
			q.handleEntries(ctx, consumer, s.Messages, handler)
		}
	}
}

func (q *Queue) handleEntries(ctx context.Context, consumer string, entries []redis.XMessage, handler func(context.Context, Task) error) {
	for _, entry := range entries {
		payload, ok := entry.Values["payload"].(string)
		if !ok {
			q.log.Warn("task entry without payload", zap.String("id", entry.ID))
			_ = q.rdb.XAck(ctx, StreamPipeline, PipelineGroup, entry.ID).Err()
			continue
		}

		var task Task
		if err := json.Unmarshal([]byte(payload), &task); err != nil {
			q.log.Warn("undecodable task dropped", zap.String("id", entry.ID), zap.Error(err))
			_ = q.rdb.XAck(ctx, StreamPipeline, PipelineGroup, entry.ID).Err()
			continue
		}

		if err := handler(ctx, task); err != nil {
			q.log.Error("task handler failed, leaving pending",
				zap.String("type", task.Type),
				zap.String("campaign_id", task.CampaignID.String()),
				zap.Error(err))
			continue
		}
		_ = q.rdb.XAck(ctx, StreamPipeline, PipelineGroup, entry.ID).Err()
	}
}

// isBusyGroup matches Redis's reply to XGROUP CREATE for a group that already
// exists. Only the error code prefix is stable across server versions.
func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}
