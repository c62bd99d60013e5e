package models

import (
	"fmt"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("打开测试数据库失败: %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("建表失败: %v", err)
	}
	return db
}

func seedAccount(t *testing.T, db *gorm.DB, userID string, points int) {
	t.Helper()
	if err := EnsureAccount(db, userID, points); err != nil {
		t.Fatalf("建账户失败: %v", err)
	}
}

func seedProject(t *testing.T, db *gorm.DB, userID string) *Project {
	t.Helper()
	p := &Project{
		ID:     "p-" + t.Name(),
		UserID: userID,
		Title:  "test",
		Prompt: "一个关于深海生物的短视频",
	}
	if err := CreateProject(db, p); err != nil {
		t.Fatalf("建项目失败: %v", err)
	}
	return p
}
