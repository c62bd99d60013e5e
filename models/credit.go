package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	DirectionCharge = "charge"
	DirectionRefund = "refund"
)

// ErrInsufficientCredits 余额不足，未产生任何扣费
var ErrInsufficientCredits = errors.New("insufficient credits")

// CreditEntry 积分流水，只追加不修改。余额 = 所有流水之和；
// 单个 step 的净消耗可以按 (project_id, step_id) 汇总出来，
// 这正是部分退款可审计的基础。
type CreditEntry struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	UserID    string    `gorm:"type:varchar(64);index" json:"userId"`
	ProjectID string    `gorm:"type:varchar(64);index" json:"projectId"`
	StepID    int       `json:"stepId"`
	ItemIndex int       `json:"itemIndex"`
	Amount    int       `json:"amount"`
	Direction string    `gorm:"type:varchar(16)" json:"direction"`
	Ref       string    `gorm:"uniqueIndex;type:varchar(191)" json:"ref"`
	CreatedAt time.Time `json:"createdAt"`
}

func (CreditEntry) TableName() string {
	return "credit_entry"
}

// ReserveAndCharge 悲观扣费：在调用任何 adapter 之前先把 step 的
// 全部费用扣掉（失败靠退款找回）。余额扣减是单条原子算术更新，
// 不是先读快照再写——同一用户两个项目同时计费也不会丢更新。
// 返回本次扣费流水的 ref（退款时作为幂等键前缀）和新余额。
func ReserveAndCharge(db *gorm.DB, userID, projectID string, stepID, amount int) (string, int, error) {
	ref := fmt.Sprintf("charge:%s:%d:%s", projectID, stepID, uuid.NewString())
	var balance int

	err := db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&UserAccount{}).
			Where("id = ? AND points >= ?", userID, amount).
			Updates(map[string]interface{}{
				"points":     gorm.Expr("points - ?", amount),
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// 账户不存在或余额不足，统一视为余额不足
			return ErrInsufficientCredits
		}

		entry := CreditEntry{
			ID:        uuid.NewString(),
			UserID:    userID,
			ProjectID: projectID,
			StepID:    stepID,
			ItemIndex: -1,
			Amount:    amount,
			Direction: DirectionCharge,
			Ref:       ref,
			CreatedAt: time.Now(),
		}
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}

		if err := tx.Model(&Project{}).Where("id = ?", projectID).
			Update("points_used", gorm.Expr("points_used + ?", amount)).Error; err != nil {
			return err
		}

		var acc UserAccount
		if err := tx.First(&acc, "id = ?", userID).Error; err != nil {
			return err
		}
		balance = acc.Points
		return nil
	})
	if err != nil {
		return "", 0, err
	}
	return ref, balance, nil
}

// Refund 退款。按 (chargeRef, itemIndex) 幂等：同一个子任务的失败
// 被多个轮询方观察到也只退一次。itemIndex 为 -1 表示整个 step 退款。
func Refund(db *gorm.DB, userID, projectID string, stepID, itemIndex, amount int, chargeRef string) (int, error) {
	ref := fmt.Sprintf("refund:%s:%d", chargeRef, itemIndex)
	var balance int

	err := db.Transaction(func(tx *gorm.DB) error {
		entry := CreditEntry{
			ID:        uuid.NewString(),
			UserID:    userID,
			ProjectID: projectID,
			StepID:    stepID,
			ItemIndex: itemIndex,
			Amount:    amount,
			Direction: DirectionRefund,
			Ref:       ref,
			CreatedAt: time.Now(),
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&entry)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// 已经退过，余额不再变动
			var acc UserAccount
			if err := tx.First(&acc, "id = ?", userID).Error; err != nil {
				return err
			}
			balance = acc.Points
			return nil
		}

		if err := tx.Model(&UserAccount{}).Where("id = ?", userID).
			Updates(map[string]interface{}{
				"points":     gorm.Expr("points + ?", amount),
				"updated_at": time.Now(),
			}).Error; err != nil {
			return err
		}
		if err := tx.Model(&Project{}).Where("id = ?", projectID).
			Update("points_used", gorm.Expr("points_used - ?", amount)).Error; err != nil {
			return err
		}

		var acc UserAccount
		if err := tx.First(&acc, "id = ?", userID).Error; err != nil {
			return err
		}
		balance = acc.Points
		return nil
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// ListProjectEntries 项目维度的流水（审计接口用）
func ListProjectEntries(db *gorm.DB, projectID string) ([]CreditEntry, error) {
	var entries []CreditEntry
	err := db.Where("project_id = ?", projectID).Order("created_at ASC").Find(&entries).Error
	return entries, err
}

// SumProjectNet 项目净消耗 = 扣费总额 - 退款总额
func SumProjectNet(db *gorm.DB, projectID string) (int, error) {
	entries, err := ListProjectEntries(db, projectID)
	if err != nil {
		return 0, err
	}
	net := 0
	for _, e := range entries {
		if e.Direction == DirectionCharge {
			net += e.Amount
		} else {
			net -= e.Amount
		}
	}
	return net, nil
}
