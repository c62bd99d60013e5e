package models

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UserAccount 积分余额载体。身份由外部 IdP 签发，这里只存 token
// 里带来的 opaque user id，不做任何用户管理。
type UserAccount struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Points    int       `json:"points"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (UserAccount) TableName() string {
	return "user_account"
}

// EnsureAccount 首次见到该用户时建账户（带初始积分），已存在则不动
func EnsureAccount(db *gorm.DB, userID string, welcomePoints int) error {
	acc := UserAccount{
		ID:        userID,
		Points:    welcomePoints,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	return db.Clauses(clause.OnConflict{DoNothing: true}).Create(&acc).Error
}

func GetBalance(db *gorm.DB, userID string) (int, error) {
	var acc UserAccount
	if err := db.First(&acc, "id = ?", userID).Error; err != nil {
		return 0, err
	}
	return acc.Points, nil
}
