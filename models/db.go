package models

import (
	"database/sql"
	"log"
	"time"

	"ReelsFactory-server/config"

	_ "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

var DB *sql.DB
var GormDB *gorm.DB

func InitDB() {
	if config.AppConfig == nil {
		log.Fatal("config.AppConfig is nil, call config.InitConfig first")
	}
	dsn := config.AppConfig.MySQL.DSN
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		log.Fatalf("打开数据库失败: %v", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		log.Fatalf("连接数据库失败: %v", err)
	}

	DB = db
	GormDB, err = gorm.Open(mysql.New(mysql.Config{
		Conn: DB,
	}), &gorm.Config{})
	if err != nil {
		log.Fatalf("GORM 初始化失败: %v", err)
	}

	log.Println("数据库连接成功 (Native SQL + GORM)")

	if err := Migrate(GormDB); err != nil {
		log.Fatalf("自动建表失败: %v", err)
	}
}

// Migrate 自动建表（测试用例里也会对 sqlite 调用）
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Project{}, &UserAccount{}, &CreditEntry{})
}
