package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"ReelsFactory-server/config"

	"github.com/hibiken/asynq"
	"gorm.io/gorm"
)

// Processor asynq 消费者：接手已扣费的 step 任务并交给状态机执行。
// 任务与任何客户端连接无关——页面刷新/断网不影响执行，客户端
// 只能通过轮询或 WebSocket 订阅项目状态看进度。
type Processor struct {
	Machine *StepMachine
}

func NewProcessor(db *gorm.DB) *Processor {
	return &Processor{
		Machine: NewStepMachine(db),
	}
}

// StartProcessor 启动任务消费者
func (p *Processor) StartProcessor(concurrency int) {
	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     config.AppConfig.Redis.Addr,
			Password: config.AppConfig.Redis.Password,
		},
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				"default": 1,
			},
		},
	)
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeStepTask, p.HandleStepTask)

	log.Printf("Starting Step Processor with concurrency %d...", concurrency)
	go func() {
		if err := srv.Run(mux); err != nil {
			log.Fatalf("could not run server: %v", err)
		}
	}()
}

// HandleStepTask step 任务处理入口。业务失败（adapter 失败、超时、
// 合成失败）由状态机落到项目记录上并退款，这里返回 nil；只有
// 载荷坏掉这种不可恢复的情况才 SkipRetry。
func (p *Processor) HandleStepTask(ctx context.Context, t *asynq.Task) error {
	var payload StepTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}

	log.Printf("Processing Step Task: project=%s step=%d", payload.ProjectID, payload.Step)

	stepCtx, cancel := context.WithTimeout(ctx, config.StepTimeout())
	defer cancel()

	p.Machine.Execute(stepCtx, payload)
	return nil
}
