package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"ReelsFactory-server/models"
	"ReelsFactory-server/service"

	"github.com/gin-gonic/gin"
)

// Machine 由 main.go 注入（与后台 Processor 共用同一个状态机）
var Machine *service.StepMachine

// 触发 step 执行：POST /v1/api/projects/:project_id/steps/:step_id
// 返回即表示 step 已接受并启动（长任务后台继续跑），
// 或带类型的拒绝：412 前置条件 / 402 余额不足 / 409 正在执行。
func TriggerStep(c *gin.Context) {
	project := loadOwnedProject(c)
	if project == nil {
		return
	}
	step, err := strconv.Atoi(c.Param("step_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "step_id 必须是 0-6 的整数"})
		return
	}

	var req struct {
		Regenerate bool `json:"regenerate"`
	}
	// body 可为空
	_ = c.ShouldBindJSON(&req)

	result, err := Machine.Advance(project.ID, step, req.Regenerate)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidStep):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, service.ErrPreconditionFailed):
			c.JSON(http.StatusPreconditionFailed, gin.H{"error": err.Error(), "reason": "PreconditionFailed"})
		case errors.Is(err, models.ErrInsufficientCredits):
			c.JSON(http.StatusPaymentRequired, gin.H{"error": "积分不足", "reason": "InsufficientCredits"})
		case errors.Is(err, service.ErrAlreadyRunning):
			c.JSON(http.StatusConflict, gin.H{"error": "该 step 正在执行中", "reason": "AlreadyRunning"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"accepted":    true,
		"step":        step,
		"step_status": result.StepStatus,
		"charged":     result.ChargedFor,
		"balance":     result.NewBalance,
	})
}

// 取消正在执行的 step：DELETE /v1/api/projects/:project_id/steps/:step_id
func CancelStep(c *gin.Context) {
	project := loadOwnedProject(c)
	if project == nil {
		return
	}
	step, err := strconv.Atoi(c.Param("step_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "step_id 必须是 0-6 的整数"})
		return
	}

	if !service.CancelStep(project.ID, step) {
		c.JSON(http.StatusNotFound, gin.H{"error": "该 step 没有正在执行的任务"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "取消信号已发出",
		"step":    step,
	})
}

// 选定创意概念：PUT /v1/api/projects/:project_id/concept
func ChooseConcept(c *gin.Context) {
	project := loadOwnedProject(c)
	if project == nil {
		return
	}
	var req struct {
		Index int `json:"index"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Index < 0 || req.Index >= len(project.ConceptOptions) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "index 超出概念候选范围"})
		return
	}

	chosen := project.ConceptOptions[req.Index]
	if err := models.PatchProjectFields(models.GormDB, project.ID, map[string]interface{}{
		"chosen_concept": chosen,
		"updated_at":     time.Now(),
	}, nil); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "保存选定概念失败: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"chosen_concept": chosen,
	})
}

// approve/取消 approve 单条脚本：
// PUT /v1/api/projects/:project_id/scripts/:index/approval
func SetScriptApproval(c *gin.Context) {
	project := loadOwnedProject(c)
	if project == nil {
		return
	}
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 || index >= len(project.VideoScripts) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "index 超出脚本范围"})
		return
	}
	var req struct {
		Approved bool `json:"approved"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	scripts := project.VideoScripts
	scripts[index].Approved = req.Approved
	if err := models.PatchProjectFields(models.GormDB, project.ID, map[string]interface{}{
		"video_scripts": scripts,
	}, nil); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "保存 approve 状态失败: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"index":    index,
		"approved": req.Approved,
	})
}
