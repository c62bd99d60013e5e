package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveAndChargeDeductsAtomically(t *testing.T) {
	db := newTestDB(t)
	seedAccount(t, db, "u1", 50)
	p := seedProject(t, db, "u1")

	ref, balance, err := ReserveAndCharge(db, "u1", p.ID, 0, 10)
	require.NoError(t, err)
	assert.NotEmpty(t, ref)
	assert.Equal(t, 40, balance)

	got, err := GetProjectByID(db, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.PointsUsed)

	entries, err := ListProjectEntries(db, p.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, DirectionCharge, entries[0].Direction)
	assert.Equal(t, 10, entries[0].Amount)
}

func TestReserveAndChargeInsufficient(t *testing.T) {
	db := newTestDB(t)
	seedAccount(t, db, "u1", 5)
	p := seedProject(t, db, "u1")

	_, _, err := ReserveAndCharge(db, "u1", p.ID, 4, 10)
	require.True(t, errors.Is(err, ErrInsufficientCredits))

	// 拒绝时不产生任何扣费
	balance, err := GetBalance(db, "u1")
	require.NoError(t, err)
	assert.Equal(t, 5, balance)

	entries, err := ListProjectEntries(db, p.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRefundIdempotentPerItem(t *testing.T) {
	db := newTestDB(t)
	seedAccount(t, db, "u1", 100)
	p := seedProject(t, db, "u1")

	ref, _, err := ReserveAndCharge(db, "u1", p.ID, 4, 50)
	require.NoError(t, err)

	// 同一个子任务的失败被两个轮询方观察到，各退一次
	b1, err := Refund(db, "u1", p.ID, 4, 3, 10, ref)
	require.NoError(t, err)
	assert.Equal(t, 60, b1)

	b2, err := Refund(db, "u1", p.ID, 4, 3, 10, ref)
	require.NoError(t, err)
	assert.Equal(t, 60, b2, "第二次退款不得再动余额")

	// 不同子任务各自退款互不影响
	b3, err := Refund(db, "u1", p.ID, 4, 1, 10, ref)
	require.NoError(t, err)
	assert.Equal(t, 70, b3)

	entries, err := ListProjectEntries(db, p.ID)
	require.NoError(t, err)
	refunds := 0
	for _, e := range entries {
		if e.Direction == DirectionRefund {
			refunds++
		}
	}
	assert.Equal(t, 2, refunds, "幂等退款只应有两条流水 (index 3 和 index 1)")
}

func TestLedgerConservation(t *testing.T) {
	db := newTestDB(t)
	seedAccount(t, db, "u1", 200)
	p := seedProject(t, db, "u1")

	ref0, _, err := ReserveAndCharge(db, "u1", p.ID, 0, 1)
	require.NoError(t, err)
	_ = ref0
	ref4, _, err := ReserveAndCharge(db, "u1", p.ID, 4, 50)
	require.NoError(t, err)
	_, err = Refund(db, "u1", p.ID, 4, 2, 10, ref4)
	require.NoError(t, err)

	// points_used 必须等于扣费总额减退款总额
	net, err := SumProjectNet(db, p.ID)
	require.NoError(t, err)
	got, err := GetProjectByID(db, p.ID)
	require.NoError(t, err)
	assert.Equal(t, net, got.PointsUsed)
	assert.Equal(t, 41, got.PointsUsed)

	balance, err := GetBalance(db, "u1")
	require.NoError(t, err)
	assert.Equal(t, 200-41, balance)
}
