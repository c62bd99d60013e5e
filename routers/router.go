package routers

import (
	"ReelsFactory-server/routers/api"

	"github.com/gin-gonic/gin"
)

func InitRouter() *gin.Engine {
	r := gin.Default()
	v1 := r.Group("/v1/api", api.AuthRequired())
	{
		v1.POST("/projects", api.CreateProject)
		v1.GET("/projects", api.ListProjects)
		v1.GET("/projects/:project_id", api.GetProject)
		v1.DELETE("/projects/:project_id", api.DeleteProject)
		v1.POST("/projects/:project_id/steps/:step_id", api.TriggerStep)
		v1.DELETE("/projects/:project_id/steps/:step_id", api.CancelStep)
		v1.PUT("/projects/:project_id/concept", api.ChooseConcept)
		v1.PUT("/projects/:project_id/scripts/:index/approval", api.SetScriptApproval)
		v1.GET("/credits", api.GetCredits)
		v1.GET("/projects/:project_id/wss", api.ProjectProgressWebSocket)
	}
	return r
}
