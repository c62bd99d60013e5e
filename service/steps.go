package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"ReelsFactory-server/config"
	"ReelsFactory-server/models"

	"gorm.io/gorm"
)

// ---- 运行中 step 的取消注册表（projectID:step -> cancelFunc）----
// 后台任务脱离客户端连接独立运行，这里是唯一能找到并取消它的入口。
var stepCancelRegistry = struct {
	sync.RWMutex
	m map[string]context.CancelFunc
}{
	m: make(map[string]context.CancelFunc),
}

func stepKey(projectID string, step int) string {
	return fmt.Sprintf("%s:%d", projectID, step)
}

func RegisterStepCancel(projectID string, step int, cancel context.CancelFunc) {
	stepCancelRegistry.Lock()
	defer stepCancelRegistry.Unlock()
	stepCancelRegistry.m[stepKey(projectID, step)] = cancel
}

func UnregisterStepCancel(projectID string, step int) {
	stepCancelRegistry.Lock()
	defer stepCancelRegistry.Unlock()
	delete(stepCancelRegistry.m, stepKey(projectID, step))
}

// CancelStep 取消正在执行的 step 后台任务，返回是否实际找到并取消
func CancelStep(projectID string, step int) bool {
	stepCancelRegistry.Lock()
	defer stepCancelRegistry.Unlock()
	if cancel, ok := stepCancelRegistry.m[stepKey(projectID, step)]; ok {
		cancel()
		delete(stepCancelRegistry.m, stepKey(projectID, step))
		return true
	}
	return false
}

// StepMachine 中央编排器：校验前置条件、扣费、调 adapter/协调器、
// 持久化结果并推进 current_step。它是唯一允许为 step 动积分账的组件。
type StepMachine struct {
	DB          *gorm.DB
	Adapters    *Adapters
	Composer    *Composer
	ItemTimeout time.Duration
	Price       func(step int) int
	// Enqueue 把已接受的 step 丢给后台执行（生产环境为 asynq 入队）
	Enqueue func(payload StepTaskPayload) error
}

func NewStepMachine(db *gorm.DB) *StepMachine {
	return &StepMachine{
		DB:          db,
		Adapters:    NewAdaptersFromConfig(),
		Composer:    NewComposerFromConfig(),
		ItemTimeout: config.ItemTimeout(),
		Price:       config.StepPrice,
		Enqueue:     EnqueueStepTask,
	}
}

// AdvanceResult 同步接受结果
type AdvanceResult struct {
	StepStatus string `json:"stepStatus"`
	ChargedFor int    `json:"chargedFor"`
	NewBalance int    `json:"newBalance"`
}

// Advance 请求执行 step。同步完成：前置条件校验 -> 扣费 -> 标记
// running -> 入队后台任务；返回即表示 step 已启动，完成与否由
// 客户端轮询/订阅项目状态获知。
// 可能的拒绝：ErrPreconditionFailed / ErrAlreadyRunning /
// models.ErrInsufficientCredits —— 拒绝时不产生任何扣费。
func (m *StepMachine) Advance(projectID string, step int, regenerate bool) (*AdvanceResult, error) {
	if step < models.StepRefine || step > models.StepCompose {
		return nil, ErrInvalidStep
	}

	p, err := models.GetProjectByID(m.DB, projectID)
	if err != nil {
		return nil, err
	}

	// 扣费之前必须先查 running 状态：对仍在 processing 的 step
	// 发起 regenerate 要被拒绝，而不是跟后台任务赛跑
	if p.StepStatus[step] == models.StepStatusRunning {
		return nil, ErrAlreadyRunning
	}
	// step 指针单调：只能执行当前 step，或对已完成的 step 显式重生成
	if step > p.CurrentStep {
		return nil, fmt.Errorf("%w: step %d 尚不可执行 (current_step=%d)", ErrPreconditionFailed, step, p.CurrentStep)
	}
	switch p.StepStatus[step] {
	case models.StepStatusCompleted, models.StepStatusPartial:
		if !regenerate {
			return nil, fmt.Errorf("%w: step %d 已有产出，重新执行需显式 regenerate", ErrPreconditionFailed, step)
		}
	}

	units, err := m.checkPrecondition(p, step)
	if err != nil {
		return nil, err
	}

	billed := 1
	if units != nil {
		billed = len(units)
	}
	amount := m.Price(step) * billed
	chargeRef, balance, err := models.ReserveAndCharge(m.DB, p.UserID, projectID, step, amount)
	if err != nil {
		return nil, err
	}

	if err := models.SetStepStatus(m.DB, projectID, step, models.StepStatusRunning, ""); err != nil {
		return nil, err
	}
	_ = models.PatchProjectFields(m.DB, projectID, map[string]interface{}{
		"status": models.ProjectStatusProcessing,
	}, nil)

	payload := StepTaskPayload{
		ProjectID: projectID,
		Step:      step,
		ChargeRef: chargeRef,
		Amount:    amount,
		Units:     units,
	}
	if err := m.Enqueue(payload); err != nil {
		// 入队失败则立即回滚扣费并还原状态
		log.Printf("step 任务入队失败: %v", err)
		_, _ = models.Refund(m.DB, p.UserID, projectID, step, -1, amount, chargeRef)
		_ = models.SetStepStatus(m.DB, projectID, step, models.StepStatusFailed, "任务入队失败")
		return nil, fmt.Errorf("任务入队失败: %w", err)
	}

	return &AdvanceResult{
		StepStatus: models.StepStatusRunning,
		ChargedFor: amount,
		NewBalance: balance,
	}, nil
}

// checkPrecondition step 前置条件。fan-out step 返回要计费并执行的
// 子任务 index 集合；单任务 step 返回 nil（按 1 个计费单位处理）。
func (m *StepMachine) checkPrecondition(p *models.Project, step int) ([]int, error) {
	switch step {
	case models.StepRefine:
		if strings.TrimSpace(p.Prompt) == "" {
			return nil, fmt.Errorf("%w: 提示词为空", ErrPreconditionFailed)
		}
	case models.StepResearch:
		if p.RefinedPrompt == "" {
			return nil, fmt.Errorf("%w: 缺少润色后的提示词 (step 0)", ErrPreconditionFailed)
		}
	case models.StepConcept:
		if len(p.ResearchResults) == 0 {
			return nil, fmt.Errorf("%w: 缺少调研结果 (step 1)", ErrPreconditionFailed)
		}
	case models.StepScript:
		if p.ChosenConcept.IsZero() {
			return nil, fmt.Errorf("%w: 尚未选定创意概念", ErrPreconditionFailed)
		}
	case models.StepVideoSynth:
		var indices []int
		for _, s := range p.VideoScripts {
			if s.Approved {
				indices = append(indices, s.Index)
			}
		}
		if len(indices) == 0 {
			return nil, fmt.Errorf("%w: 没有已 approve 的脚本", ErrPreconditionFailed)
		}
		return indices, nil
	case models.StepSpeechSynth:
		indices := completedClipIndices(p.VideoClips)
		if len(indices) == 0 {
			return nil, fmt.Errorf("%w: 没有已完成的视频片段 (step 4)", ErrPreconditionFailed)
		}
		return indices, nil
	case models.StepCompose:
		// 上游 partial 之后数组里有 pending 占位和 failed 记录，
		// 成片只看成功子集：至少一个完成的片段，且没有还在跑的
		completed := 0
		for _, c := range p.FinalClips {
			if c.Status == models.SubJobStatusProcessing {
				return nil, fmt.Errorf("%w: 片段 %d 仍在处理中", ErrPreconditionFailed, c.Index)
			}
			if c.Status == models.SubJobStatusCompleted {
				completed++
			}
		}
		if completed == 0 {
			return nil, fmt.Errorf("%w: 没有可合成的片段 (step 5)", ErrPreconditionFailed)
		}
	}
	return nil, nil
}

func completedClipIndices(clips models.SubJobList) []int {
	var res []int
	for _, c := range clips {
		if c.Status == models.SubJobStatusCompleted {
			res = append(res, c.Index)
		}
	}
	return res
}

// Execute 后台执行已接受并已扣费的 step。由 asynq 处理器调用。
func (m *StepMachine) Execute(ctx context.Context, payload StepTaskPayload) {
	ctx, cancel := context.WithCancel(ctx)
	RegisterStepCancel(payload.ProjectID, payload.Step, cancel)
	defer UnregisterStepCancel(payload.ProjectID, payload.Step)
	defer cancel()

	p, err := models.GetProjectByID(m.DB, payload.ProjectID)
	if err != nil {
		log.Printf("加载项目失败 %s: %v", payload.ProjectID, err)
		return
	}

	switch payload.Step {
	case models.StepRefine, models.StepResearch, models.StepConcept, models.StepScript, models.StepCompose:
		m.runSingleStep(ctx, p, payload)
	case models.StepVideoSynth:
		m.runVideoFanout(ctx, p, payload)
	case models.StepSpeechSynth:
		m.runSpeechFanout(ctx, p, payload)
	}
}

// runSingleStep 单 adapter step：成功则持久化产出并推进指针，
// 失败则全额退款、记录 stepError、指针不动（同一 step 可重试）。
func (m *StepMachine) runSingleStep(ctx context.Context, p *models.Project, payload StepTaskPayload) {
	var updates map[string]interface{}
	var err error

	switch payload.Step {
	case models.StepRefine:
		var refined string
		refined, err = m.Adapters.RefinePrompt(ctx, p.Prompt)
		if err == nil {
			updates = map[string]interface{}{"refined_prompt": refined}
		}
	case models.StepResearch:
		var insights models.InsightList
		insights, err = m.Adapters.RunResearch(ctx, p.RefinedPrompt)
		if err == nil {
			updates = map[string]interface{}{"research_results": insights}
		}
	case models.StepConcept:
		var concepts models.ConceptList
		concepts, err = m.Adapters.GenerateConcepts(ctx, p.RefinedPrompt, p.ResearchResults)
		if err == nil {
			// 重新生成概念会使旧的选定失效
			updates = map[string]interface{}{"concept_options": concepts, "chosen_concept": models.Concept{}}
		}
	case models.StepScript:
		var scripts models.ScriptList
		scripts, err = m.Adapters.GenerateScripts(ctx, p.ChosenConcept, p.ResearchResults)
		if err == nil {
			// 规定：重生成替换整个脚本列表，旧的 approve 一并作废
			updates = map[string]interface{}{"video_scripts": scripts, "video_clips": models.SubJobList{}, "final_clips": models.SubJobList{}}
		}
	case models.StepCompose:
		var result *ComposeResult
		result, err = m.Composer.Compose(ctx, p.ID, composeClipsFromProject(p))
		if err == nil {
			updates = map[string]interface{}{"final_video_url": result.Url, "duration": result.Duration}
		}
	}

	if err != nil {
		m.failStep(p, payload, err)
		return
	}
	m.completeStep(p, payload.Step, updates)
}

// composeClipsFromProject 成片输入只取成功子集：partial 上游留下的
// pending 占位和 failed 记录不能带着空 URL 进合成
func composeClipsFromProject(p *models.Project) []ComposeClip {
	clips := make([]ComposeClip, 0, len(p.FinalClips))
	for _, fc := range p.FinalClips {
		if fc.Status != models.SubJobStatusCompleted {
			continue
		}
		clips = append(clips, ComposeClip{
			VideoUrl:  fc.Url,
			AudioUrl:  fc.AudioUrl,
			Subtitles: fc.Subtitles,
			Duration:  fc.Duration,
		})
	}
	return clips
}

// runVideoFanout step 4：扣费时确定的每条脚本一个子任务，生成视频
// 片段。单元集以载荷为准，不从项目记录重新推导——入队之后脚本被
// 改动也不会让已计费的单元既不执行也不退款。
func (m *StepMachine) runVideoFanout(ctx context.Context, p *models.Project, payload StepTaskPayload) {
	scriptByIndex := make(map[int]models.Script, len(p.VideoScripts))
	for _, s := range p.VideoScripts {
		scriptByIndex[s.Index] = s
	}

	f := &Fanout{
		PerItemTimeout: m.ItemTimeout,
		MarkProcessing: func(index int) error {
			return models.PatchSubJob(m.DB, p.ID, "video_clips", index, func(j *models.SubJob) {
				j.Status = models.SubJobStatusProcessing
				j.Error = ""
			})
		},
		Run: func(itemCtx context.Context, index int) error {
			script, ok := scriptByIndex[index]
			if !ok {
				// 已计费的脚本不见了：按失败处理，走退款
				return NewAdapterError("已计费的脚本 %d 不存在", index)
			}
			url, duration, err := m.Adapters.SynthVideo(itemCtx, script)
			if err != nil {
				return err
			}
			return models.PatchSubJob(m.DB, p.ID, "video_clips", index, func(j *models.SubJob) {
				j.Status = models.SubJobStatusCompleted
				j.Url = url
				j.Duration = duration
				j.Error = ""
			})
		},
		MarkFailed: func(index int, msg string) {
			if err := models.PatchSubJob(m.DB, p.ID, "video_clips", index, func(j *models.SubJob) {
				j.Status = models.SubJobStatusFailed
				j.Error = msg
			}); err != nil {
				log.Printf("标记子任务失败出错 index=%d: %v", index, err)
			}
			// 该子任务的扣费按单价退回（按 chargeRef+index 幂等）
			if _, err := models.Refund(m.DB, p.UserID, p.ID, payload.Step, index, m.Price(payload.Step), payload.ChargeRef); err != nil {
				log.Printf("子任务退款失败 index=%d: %v", index, err)
			}
		},
	}

	report := f.Execute(ctx, payload.Units)
	m.settleFanout(p, payload, report)
}

// runSpeechFanout step 5：扣费时确定的每个已完成视频片段一个子任务，
// 生成配音+字幕并与视频合并成 finalClips 记录
func (m *StepMachine) runSpeechFanout(ctx context.Context, p *models.Project, payload StepTaskPayload) {
	clipByIndex := make(map[int]models.SubJob, len(p.VideoClips))
	for _, c := range p.VideoClips {
		clipByIndex[c.Index] = c
	}
	scriptByIndex := make(map[int]models.Script, len(p.VideoScripts))
	for _, s := range p.VideoScripts {
		scriptByIndex[s.Index] = s
	}

	f := &Fanout{
		PerItemTimeout: m.ItemTimeout,
		MarkProcessing: func(index int) error {
			return models.PatchSubJob(m.DB, p.ID, "final_clips", index, func(j *models.SubJob) {
				j.Status = models.SubJobStatusProcessing
				j.Error = ""
			})
		},
		Run: func(itemCtx context.Context, index int) error {
			script, ok := scriptByIndex[index]
			if !ok {
				return NewAdapterError("片段 %d 没有对应脚本", index)
			}
			clip, ok := clipByIndex[index]
			if !ok || clip.Status != models.SubJobStatusCompleted {
				return NewAdapterError("已计费的视频片段 %d 不存在", index)
			}
			audioUrl, cues, err := m.Adapters.SynthSpeech(itemCtx, script)
			if err != nil {
				return err
			}
			return models.PatchSubJob(m.DB, p.ID, "final_clips", index, func(j *models.SubJob) {
				j.Status = models.SubJobStatusCompleted
				j.Url = clip.Url
				j.Duration = clip.Duration
				j.AudioUrl = audioUrl
				j.Subtitles = cues
				j.Error = ""
			})
		},
		MarkFailed: func(index int, msg string) {
			if err := models.PatchSubJob(m.DB, p.ID, "final_clips", index, func(j *models.SubJob) {
				j.Status = models.SubJobStatusFailed
				j.Error = msg
			}); err != nil {
				log.Printf("标记子任务失败出错 index=%d: %v", index, err)
			}
			if _, err := models.Refund(m.DB, p.UserID, p.ID, payload.Step, index, m.Price(payload.Step), payload.ChargeRef); err != nil {
				log.Printf("子任务退款失败 index=%d: %v", index, err)
			}
		},
	}

	report := f.Execute(ctx, payload.Units)
	m.settleFanout(p, payload, report)
}

// settleFanout fan-out 聚合结算：全部成功 => step 完成；
// 全部失败 => step 失败（每个子任务已各自退款）；
// 部分成功 => step 标记 partial 并照常推进，下游只处理成功子集
func (m *StepMachine) settleFanout(p *models.Project, payload StepTaskPayload, report *FanoutReport) {
	switch report.Outcome() {
	case FanoutAllCompleted:
		m.completeStep(p, payload.Step, nil)
	case FanoutAllFailed:
		err := NewAdapterError("全部 %d 个子任务失败", report.Total)
		m.failStep(p, payload, err)
	case FanoutPartial:
		msg := fmt.Sprintf("%d/%d 个子任务失败", report.Failed, report.Total)
		if err := models.SetStepStatus(m.DB, p.ID, payload.Step, models.StepStatusPartial, msg); err != nil {
			log.Printf("写 step 状态失败: %v", err)
		}
		m.advancePointer(p.ID, payload.Step)
		_ = models.PatchProjectFields(m.DB, p.ID, map[string]interface{}{
			"status": models.ProjectStatusPartial,
		}, nil)
		log.Printf("[Step] project=%s step=%d partial: %s", p.ID, payload.Step, msg)
	}
}

// completeStep 持久化产出、标记完成、推进指针
func (m *StepMachine) completeStep(p *models.Project, step int, updates map[string]interface{}) {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if step == models.StepCompose {
		updates["status"] = models.ProjectStatusCompleted
	} else {
		updates["status"] = models.ProjectStatusDraft
	}
	if err := models.PatchProjectFields(m.DB, p.ID, updates, nil); err != nil {
		log.Printf("持久化 step 产出失败 project=%s step=%d: %v", p.ID, step, err)
		return
	}
	if err := models.SetStepStatus(m.DB, p.ID, step, models.StepStatusCompleted, ""); err != nil {
		log.Printf("写 step 状态失败: %v", err)
	}
	m.advancePointer(p.ID, step)
	log.Printf("[Step] project=%s step=%d completed", p.ID, step)
}

// advancePointer 只在 current_step == step 时前进到 step+1：
// 对已推进 step 的过期重试不能把指针拉回或重复推进
func (m *StepMachine) advancePointer(projectID string, step int) {
	if step >= models.StepCompose {
		return
	}
	guard := step
	err := models.PatchProjectFields(m.DB, projectID, map[string]interface{}{
		"current_step": step + 1,
	}, &guard)
	if err != nil && err != models.ErrStaleWrite {
		log.Printf("推进 current_step 失败 project=%s: %v", projectID, err)
	}
}

// failStep step 失败：全额退款（fan-out 已按子任务退过的部分因幂等
// 键不同不受影响——整单退款只用于单 adapter step 和全败兜底），
// 记录 stepError，指针不动。只有终局 step 失败才把项目置为 failed。
func (m *StepMachine) failStep(p *models.Project, payload StepTaskPayload, stepErr error) {
	step := payload.Step
	if step == models.StepVideoSynth || step == models.StepSpeechSynth {
		// fan-out 的退款已逐子任务入账，这里不再整单退
	} else {
		if _, err := models.Refund(m.DB, p.UserID, p.ID, step, -1, payload.Amount, payload.ChargeRef); err != nil {
			log.Printf("step 退款失败 project=%s step=%d: %v", p.ID, step, err)
		}
	}

	if err := models.SetStepStatus(m.DB, p.ID, step, models.StepStatusFailed, stepErr.Error()); err != nil {
		log.Printf("写 step 状态失败: %v", err)
	}

	status := models.ProjectStatusDraft // 中间 step 失败仍可从当前 step 重试
	if step == models.StepCompose {
		status = models.ProjectStatusFailed
	}
	_ = models.PatchProjectFields(m.DB, p.ID, map[string]interface{}{
		"status": status,
	}, nil)
	log.Printf("[Step] project=%s step=%d failed: %v", p.ID, step, stepErr)
}
