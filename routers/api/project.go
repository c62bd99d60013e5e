package api

import (
	"net/http"
	"time"

	"ReelsFactory-server/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// 创建项目：draft 状态，current_step = 0
func CreateProject(c *gin.Context) {
	var req struct {
		Title  string `json:"title"`
		Prompt string `json:"prompt"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	project := models.Project{
		ID:          uuid.NewString(),
		UserID:      CurrentUserID(c),
		Title:       req.Title,
		Prompt:      req.Prompt,
		Status:      models.ProjectStatusDraft,
		CurrentStep: models.StepRefine,
		StepStatus:  models.StatusMap{},
		StepError:   models.StatusMap{},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}

	if err := models.CreateProject(models.GormDB, &project); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建项目失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"project": project,
	})
}

// loadOwnedProject 加载项目并校验归属，失败时自行写响应
func loadOwnedProject(c *gin.Context) *models.Project {
	projectID := c.Param("project_id")
	project, err := models.GetProjectByID(models.GormDB, projectID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "项目未找到: " + err.Error()})
		return nil
	}
	if project.UserID != CurrentUserID(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "无权访问该项目"})
		return nil
	}
	return project
}

// 获取项目完整状态（轮询/订阅方消费）
func GetProject(c *gin.Context) {
	project := loadOwnedProject(c)
	if project == nil {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"project": project,
	})
}

// 项目列表
func ListProjects(c *gin.Context) {
	projects, err := models.ListProjectsByUser(models.GormDB, CurrentUserID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取项目列表失败: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"projects": projects,
		"total":    len(projects),
	})
}

// 删除项目
func DeleteProject(c *gin.Context) {
	project := loadOwnedProject(c)
	if project == nil {
		return
	}
	if err := models.DeleteProjectByID(models.GormDB, project.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "删除项目失败: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":    "项目已删除",
		"project_id": project.ID,
	})
}

// 积分余额 + 流水（审计视图）。带 project_id 参数时返回该项目流水。
func GetCredits(c *gin.Context) {
	userID := CurrentUserID(c)
	balance, err := models.GetBalance(models.GormDB, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询余额失败: " + err.Error()})
		return
	}

	resp := gin.H{"balance": balance}
	if projectID := c.Query("project_id"); projectID != "" {
		entries, err := models.ListProjectEntries(models.GormDB, projectID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "查询流水失败: " + err.Error()})
			return
		}
		resp["entries"] = entries
	}
	c.JSON(http.StatusOK, resp)
}
