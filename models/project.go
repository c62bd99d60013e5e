package models

import (
	"errors"
	"sync"
	"time"

	"gorm.io/gorm"
)

// 项目状态常量
const (
	ProjectStatusDraft      = "draft"      // 项目已创建，未开始任何生成任务
	ProjectStatusProcessing = "processing" // 有 step 正在执行
	ProjectStatusCompleted  = "completed"  // step 6 成功，成片可播放/导出
	ProjectStatusFailed     = "failed"     // 某个 step 彻底失败且无法前进
	ProjectStatusPartial    = "partial"    // fan-out step 部分成功，需要用户关注
)

// 每个 step 的执行状态（与 current_step 独立，客户端断线重连后据此渲染）
const (
	StepStatusNotStarted = "not_started"
	StepStatusRunning    = "running"
	StepStatusCompleted  = "completed"
	StepStatusFailed     = "failed"
	// fan-out step 部分子任务失败但仍产出了可用子集
	StepStatusPartial = "partial"
)

// 七个 step
const (
	StepRefine      = 0 // 提示词润色
	StepResearch    = 1 // 选题调研
	StepConcept     = 2 // 创意概念
	StepScript      = 3 // 分镜脚本
	StepVideoSynth  = 4 // 视频片段生成 (fan-out)
	StepSpeechSynth = 5 // 配音+字幕生成 (fan-out)
	StepCompose     = 6 // 成片合成
)

// ErrStaleWrite guard step 不匹配：读取后 current_step 已经前进
var ErrStaleWrite = errors.New("stale write: current_step moved since read")

type Project struct {
	ID              string      `gorm:"primaryKey;type:varchar(64)" json:"id"`
	UserID          string      `gorm:"type:varchar(64);index" json:"userId"`
	Title           string      `json:"title"`
	Prompt          string      `gorm:"type:text" json:"prompt"`
	RefinedPrompt   string      `gorm:"type:text" json:"refinedPrompt"`
	ResearchResults InsightList `gorm:"type:json" json:"researchResults"`
	ConceptOptions  ConceptList `gorm:"type:json" json:"conceptOptions"`
	ChosenConcept   Concept     `gorm:"type:json" json:"chosenConcept"`
	VideoScripts    ScriptList  `gorm:"type:json" json:"videoScripts"`
	VideoClips      SubJobList  `gorm:"type:json" json:"videoClips"`
	FinalClips      SubJobList  `gorm:"type:json" json:"finalClips"`
	FinalVideoUrl   string      `json:"finalVideoUrl"`
	Duration        float64     `json:"duration"`
	PointsUsed      int         `json:"pointsUsed"`
	CurrentStep     int         `json:"currentStep"`
	Status          string      `json:"status"`
	StepStatus      StatusMap   `gorm:"type:json" json:"stepStatus"`
	StepError       StatusMap   `gorm:"type:json" json:"stepError"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

func (Project) TableName() string {
	return "project"
}

func CreateProject(db *gorm.DB, p *Project) error {
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.Status == "" {
		p.Status = ProjectStatusDraft
	}
	if p.StepStatus == nil {
		p.StepStatus = StatusMap{}
	}
	if p.StepError == nil {
		p.StepError = StatusMap{}
	}
	return db.Create(p).Error
}

func GetProjectByID(db *gorm.DB, id string) (*Project, error) {
	var p Project
	if err := db.First(&p, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func ListProjectsByUser(db *gorm.DB, userID string) ([]Project, error) {
	var res []Project
	err := db.Where("user_id = ?", userID).Order("created_at DESC").Find(&res).Error
	return res, err
}

func DeleteProjectByID(db *gorm.DB, id string) error {
	return db.Delete(&Project{}, "id = ?", id).Error
}

// ---- 项目级互斥锁注册表 ----
// 同一个 project 上的并发子任务都要原位改 JSON 数组里的一个元素，
// 读-合并-写必须串行化，否则后写的会覆盖先写的。
var projectLocks = struct {
	sync.Mutex
	m map[string]*sync.Mutex
}{
	m: make(map[string]*sync.Mutex),
}

func lockProject(id string) *sync.Mutex {
	projectLocks.Lock()
	defer projectLocks.Unlock()
	mu, ok := projectLocks.m[id]
	if !ok {
		mu = &sync.Mutex{}
		projectLocks.m[id] = mu
	}
	return mu
}

// PatchProjectFields 针对性更新若干列。guardStep 非 nil 时要求
// current_step 仍等于 guardStep，否则拒绝写入（乐观并发）。
func PatchProjectFields(db *gorm.DB, id string, updates map[string]interface{}, guardStep *int) error {
	updates["updated_at"] = time.Now()
	tx := db.Model(&Project{}).Where("id = ?", id)
	if guardStep != nil {
		tx = tx.Where("current_step = ?", *guardStep)
	}
	res := tx.Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// 区分"记录不存在"与"guard 不匹配"
		var cnt int64
		if err := db.Model(&Project{}).Where("id = ?", id).Count(&cnt).Error; err != nil {
			return err
		}
		if cnt == 0 {
			return gorm.ErrRecordNotFound
		}
		if guardStep != nil {
			return ErrStaleWrite
		}
	}
	return nil
}

// PatchSubJob 原位更新 column（video_clips / final_clips）数组中 index
// 对应的元素：重新读出当前数组，不够长则补齐，只替换目标元素后写回。
// 绝不允许用任务内的旧副本整体覆盖数组。
func PatchSubJob(db *gorm.DB, projectID, column string, index int, mutate func(*SubJob)) error {
	mu := lockProject(projectID)
	mu.Lock()
	defer mu.Unlock()

	return db.Transaction(func(tx *gorm.DB) error {
		p, err := GetProjectByID(tx, projectID)
		if err != nil {
			return err
		}
		var list SubJobList
		switch column {
		case "video_clips":
			list = p.VideoClips
		case "final_clips":
			list = p.FinalClips
		default:
			return errors.New("unknown sub-job column: " + column)
		}
		for len(list) <= index {
			list = append(list, SubJob{Index: len(list), Status: SubJobStatusPending})
		}
		mutate(&list[index])
		list[index].Index = index
		return tx.Model(&Project{}).Where("id = ?", projectID).Updates(map[string]interface{}{
			column:       list,
			"updated_at": time.Now(),
		}).Error
	})
}

// SetStepStatus 更新某个 step 的执行状态（errMsg 为空则清掉旧错误）
func SetStepStatus(db *gorm.DB, projectID string, step int, status, errMsg string) error {
	mu := lockProject(projectID)
	mu.Lock()
	defer mu.Unlock()

	return db.Transaction(func(tx *gorm.DB) error {
		p, err := GetProjectByID(tx, projectID)
		if err != nil {
			return err
		}
		if p.StepStatus == nil {
			p.StepStatus = StatusMap{}
		}
		if p.StepError == nil {
			p.StepError = StatusMap{}
		}
		p.StepStatus[step] = status
		if errMsg != "" {
			p.StepError[step] = errMsg
		} else {
			delete(p.StepError, step)
		}
		return tx.Model(&Project{}).Where("id = ?", projectID).Updates(map[string]interface{}{
			"step_status": p.StepStatus,
			"step_error":  p.StepError,
			"updated_at":  time.Now(),
		}).Error
	})
}
