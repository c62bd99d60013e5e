package main

import (
	"fmt"

	"ReelsFactory-server/config"
	"ReelsFactory-server/models"
	"ReelsFactory-server/routers"
	"ReelsFactory-server/routers/api"
	"ReelsFactory-server/service"
)

func main() {
	config.InitConfig()
	fmt.Println("Server starting on port", config.AppConfig.Server.Port)
	models.InitDB()
	fmt.Println("Database initialized")

	service.InitQueue()
	fmt.Println("Queue initialized")

	service.InitMinIO()
	fmt.Println("MinIO initialized")

	processor := service.NewProcessor(models.GormDB)
	processor.StartProcessor(5)

	// API 侧与后台 Processor 共用同一个状态机
	api.Machine = processor.Machine

	r := routers.InitRouter()
	r.Run(config.AppConfig.Server.Port)
}
