package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"ReelsFactory-server/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 流选择必须显式（视频取输入 0，音轨取输入 1），无字幕时视频流
// 直接 copy，且不加 -shortest——音轨短于视频时保留完整视频时长
func TestBuildMuxArgsCopyWithoutSubtitles(t *testing.T) {
	args := BuildMuxArgs("v.mp4", "a.mp3", "", "out.mp4")

	assert.Contains(t, strings.Join(args, " "), "-map 0:v:0")
	assert.Contains(t, strings.Join(args, " "), "-map 1:a:0")
	assert.Contains(t, strings.Join(args, " "), "-c:v copy")
	assert.NotContains(t, args, "-shortest")
	assert.NotContains(t, args, "-vf")
	assert.Equal(t, "out.mp4", args[len(args)-1])
}

// 只有烧字幕才强制重编码视频流
func TestBuildMuxArgsBurnSubtitlesForcesReencode(t *testing.T) {
	args := BuildMuxArgs("v.mp4", "a.mp3", "subs.srt", "out.mp4")
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "-vf subtitles=subs.srt")
	assert.Contains(t, joined, "-c:v libx264")
	assert.NotContains(t, joined, "-c:v copy")
	assert.NotContains(t, args, "-shortest")
}

func TestBuildConcatArgs(t *testing.T) {
	copyArgs := strings.Join(BuildConcatArgs("list.txt", "final.mp4", false), " ")
	assert.Contains(t, copyArgs, "-f concat")
	assert.Contains(t, copyArgs, "-c copy")

	reencodeArgs := strings.Join(BuildConcatArgs("list.txt", "final.mp4", true), " ")
	assert.Contains(t, reencodeArgs, "-c:v libx264")
	assert.NotContains(t, reencodeArgs, "-c copy")
}

// 成片顺序由拼接清单决定：按原始 index 顺序，与完成顺序无关
func TestConcatListPreservesOriginalOrder(t *testing.T) {
	content := ConcatListContent([]string{"merged_0.mp4", "merged_1.mp4", "merged_2.mp4"})
	lines := strings.Split(strings.TrimSpace(content), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "file 'merged_0.mp4'", lines[0])
	assert.Equal(t, "file 'merged_1.mp4'", lines[1])
	assert.Equal(t, "file 'merged_2.mp4'", lines[2])
}

// 字幕时间戳按片段重归一：第一条 cue 平移到 0 开始
func TestRenderSRTRenormalizesTimestamps(t *testing.T) {
	cues := []models.Cue{
		{StartMs: 12000, EndMs: 13500, Text: "第一句"},
		{StartMs: 13500, EndMs: 15250, Text: "第二句"},
	}
	srt := RenderSRT(cues)

	assert.Contains(t, srt, "00:00:00,000 --> 00:00:01,500")
	assert.Contains(t, srt, "00:00:01,500 --> 00:00:03,250")
	assert.Contains(t, srt, "第一句")
	assert.True(t, strings.HasPrefix(srt, "1\n"))
}

func TestFormatSRTTime(t *testing.T) {
	assert.Equal(t, "00:00:00,000", FormatSRTTime(0))
	assert.Equal(t, "00:01:05,042", FormatSRTTime(65042))
	assert.Equal(t, "01:00:00,001", FormatSRTTime(3600001))
	assert.Equal(t, "00:00:00,000", FormatSRTTime(-5))
}

func TestComposeRejectsMissingInput(t *testing.T) {
	c := &Composer{FFmpegPath: "ffmpeg"}

	_, err := c.Compose(context.Background(), "p1", nil)
	var se *StepError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, ErrKindCompose, se.Kind)
	assert.Equal(t, "input", se.Stage)

	// 视频与音轨数量不一致（某个片段缺音轨）同样 fail fast
	_, err = c.Compose(context.Background(), "p1", []ComposeClip{
		{VideoUrl: "http://example.com/v0.mp4", AudioUrl: "http://example.com/a0.mp3"},
		{VideoUrl: "http://example.com/v1.mp4"},
	})
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "input", se.Stage)
}

// 成片总时长按视频原始时长求和，不看音轨
func TestComposeDurationPolicy(t *testing.T) {
	clips := []ComposeClip{
		{Duration: 8}, // 视频 8s，配音可能只有 5s——保留 8s，宁可留静音
		{Duration: 6.5},
	}
	total := 0.0
	for _, c := range clips {
		total += c.Duration
	}
	assert.Equal(t, 14.5, total)

	// mux 参数里不得出现 -shortest，否则会被音轨截断
	args := BuildMuxArgs("v.mp4", "a.mp3", "", "out.mp4")
	assert.NotContains(t, args, "-shortest")
}
