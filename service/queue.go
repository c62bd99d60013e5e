package service

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"ReelsFactory-server/config"

	"github.com/hibiken/asynq"
)

const (
	TypeStepTask = "step:run"
)

// StepTaskPayload 后台 step 任务的载荷。扣费在入队前已完成，
// ChargeRef/Amount 跟着任务走，结算（退款）都以它为准。
// Units 是扣费时确定的子任务 index 集合：fan-out 执行的就是这个
// 集合，入队后项目记录的变动不会让已计费的单元凭空消失。
type StepTaskPayload struct {
	ProjectID string `json:"project_id"`
	Step      int    `json:"step"`
	ChargeRef string `json:"charge_ref"`
	Amount    int    `json:"amount"`
	Units     []int  `json:"units,omitempty"`
}

var QueueClient *asynq.Client

// InitQueue 初始化
func InitQueue() {
	QueueClient = asynq.NewClient(asynq.RedisClientOpt{
		Addr:     config.AppConfig.Redis.Addr,
		Password: config.AppConfig.Redis.Password,
	})
}

// EnqueueStepTask step 任务入队
func EnqueueStepTask(p StepTaskPayload) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}

	task := asynq.NewTask(TypeStepTask, payload,
		asynq.MaxRetry(0),                // step 已扣费，绝不自动重试（重试由用户显式触发并重新计费）
		asynq.Timeout(30*time.Minute),    // 视频合成较慢，设置较长超时
		asynq.Retention(24*time.Hour),    // 任务结果在 Redis 保留时间
	)

	info, err := QueueClient.Enqueue(task)
	if err != nil {
		return fmt.Errorf("enqueue failed: %w", err)
	}

	log.Printf("[Queue] Step Task Enqueued: project=%s step=%d queue_id=%s", p.ProjectID, p.Step, info.ID)
	return nil
}
