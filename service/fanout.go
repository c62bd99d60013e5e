package service

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// fan-out 聚合结果
const (
	FanoutAllCompleted = "completed"
	FanoutPartial      = "partial"
	FanoutAllFailed    = "failed"
)

// FanoutReport 每个子任务的终态加聚合计数
type FanoutReport struct {
	Total     int
	Completed int
	Failed    int
	// index -> 错误文本，每个失败都挂在自己的 index 上，不合并
	Errors map[int]string
}

func (r *FanoutReport) Outcome() string {
	switch {
	case r.Completed == r.Total:
		return FanoutAllCompleted
	case r.Completed == 0:
		return FanoutAllFailed
	default:
		return FanoutPartial
	}
}

// Fanout 并行子任务协调器。N 很小且有上界（通常 ≤5），
// 所以每个子任务直接起一个 goroutine，不排队不分批。
// 子任务之间互不影响：一个失败不取消其余的。
type Fanout struct {
	PerItemTimeout time.Duration
	// MarkProcessing 子任务开始前的单条持久化写
	MarkProcessing func(index int) error
	// Run 调用 adapter 并写回产出字段、标记 completed。
	// 必须尊重 ctx（超时由协调器通过 ctx 下发）。
	Run func(ctx context.Context, index int) error
	// MarkFailed 标记 failed 并为该子任务入账退款
	MarkFailed func(index int, msg string)
}

// Execute 对 indices 里的每个子任务并发执行，全部落定后返回聚合结果。
// 完成顺序无序（index 3 可能先于 index 1 完成），记录顺序由 index 保证。
func (f *Fanout) Execute(ctx context.Context, indices []int) *FanoutReport {
	report := &FanoutReport{
		Total:  len(indices),
		Errors: make(map[int]string),
	}
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, idx := range indices {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()

			if err := f.MarkProcessing(index); err != nil {
				log.Printf("[Fanout] 标记 processing 失败 index=%d: %v", index, err)
			}

			itemCtx := ctx
			var cancel context.CancelFunc
			if f.PerItemTimeout > 0 {
				itemCtx, cancel = context.WithTimeout(ctx, f.PerItemTimeout)
				defer cancel()
			}

			err := f.Run(itemCtx, index)
			if err == nil {
				mu.Lock()
				report.Completed++
				mu.Unlock()
				return
			}

			// 超时按失败处理并在错误里单独标注，不当成"还在跑"
			msg := err.Error()
			if errors.Is(itemCtx.Err(), context.DeadlineExceeded) && !IsTimeout(err) {
				msg = "任务超时: " + msg
			}
			f.MarkFailed(index, msg)

			mu.Lock()
			report.Failed++
			report.Errors[index] = msg
			mu.Unlock()
		}(idx)
	}

	wg.Wait()
	return report
}
