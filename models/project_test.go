package models

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatchSubJobExtendsAndReplacesInPlace(t *testing.T) {
	db := newTestDB(t)
	p := seedProject(t, db, "u1")

	// 目标 index 不存在时补齐数组
	err := PatchSubJob(db, p.ID, "video_clips", 2, func(j *SubJob) {
		j.Status = SubJobStatusProcessing
	})
	require.NoError(t, err)

	got, err := GetProjectByID(db, p.ID)
	require.NoError(t, err)
	require.Len(t, got.VideoClips, 3)
	assert.Equal(t, SubJobStatusPending, got.VideoClips[0].Status)
	assert.Equal(t, SubJobStatusPending, got.VideoClips[1].Status)
	assert.Equal(t, SubJobStatusProcessing, got.VideoClips[2].Status)
	assert.Equal(t, 2, got.VideoClips[2].Index)

	// 原位替换，不动别的元素
	err = PatchSubJob(db, p.ID, "video_clips", 0, func(j *SubJob) {
		j.Status = SubJobStatusCompleted
		j.Url = "http://example.com/clip0.mp4"
	})
	require.NoError(t, err)

	got, err = GetProjectByID(db, p.ID)
	require.NoError(t, err)
	assert.Equal(t, SubJobStatusCompleted, got.VideoClips[0].Status)
	assert.Equal(t, SubJobStatusProcessing, got.VideoClips[2].Status)
}

// 两个子任务并发落库（index 1 和 3），不管到达顺序如何都不能丢更新
func TestPatchSubJobConcurrentNoLostUpdate(t *testing.T) {
	db := newTestDB(t)
	p := seedProject(t, db, "u1")

	var wg sync.WaitGroup
	for _, idx := range []int{1, 3} {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			err := PatchSubJob(db, p.ID, "final_clips", index, func(j *SubJob) {
				j.Status = SubJobStatusCompleted
				j.Url = "http://example.com/clip.mp4"
			})
			assert.NoError(t, err)
		}(idx)
	}
	wg.Wait()

	got, err := GetProjectByID(db, p.ID)
	require.NoError(t, err)
	require.Len(t, got.FinalClips, 4)
	assert.Equal(t, SubJobStatusCompleted, got.FinalClips[1].Status)
	assert.Equal(t, SubJobStatusCompleted, got.FinalClips[3].Status)
}

func TestPatchProjectFieldsGuard(t *testing.T) {
	db := newTestDB(t)
	p := seedProject(t, db, "u1")

	// guard 匹配：写入成功
	guard := 0
	err := PatchProjectFields(db, p.ID, map[string]interface{}{
		"current_step": 1,
	}, &guard)
	require.NoError(t, err)

	// guard 已过期：拒绝写入
	err = PatchProjectFields(db, p.ID, map[string]interface{}{
		"current_step": 1,
	}, &guard)
	require.True(t, errors.Is(err, ErrStaleWrite))

	got, err := GetProjectByID(db, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentStep)
}

func TestSetStepStatus(t *testing.T) {
	db := newTestDB(t)
	p := seedProject(t, db, "u1")

	require.NoError(t, SetStepStatus(db, p.ID, 2, StepStatusFailed, "worker reported failure"))

	got, err := GetProjectByID(db, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StepStatusFailed, got.StepStatus[2])
	assert.Equal(t, "worker reported failure", got.StepError[2])

	// 成功时清掉旧错误
	require.NoError(t, SetStepStatus(db, p.ID, 2, StepStatusCompleted, ""))
	got, err = GetProjectByID(db, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StepStatusCompleted, got.StepStatus[2])
	_, hasErr := got.StepError[2]
	assert.False(t, hasErr)
}
