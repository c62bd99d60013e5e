package service

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"ReelsFactory-server/config"
	"ReelsFactory-server/models"
)

// ComposeClip 成片合成的单个输入片段：视频 + 配音 +（可选）字幕
type ComposeClip struct {
	VideoUrl  string
	AudioUrl  string
	Subtitles []models.Cue
	// 视频片段原始时长（秒），成片总时长按它求和，不看音轨
	Duration float64
}

type ComposeResult struct {
	Url      string
	Duration float64
}

// Composer 成片合成引擎：下载远端素材，每个片段单独混流，
// 按原始顺序拼接，发布为一个公网成片。编码细节不归它管，
// 它只负责正确编排外部 ffmpeg。
type Composer struct {
	FFmpegPath string
	WorkDir    string
	// 调试用：保留临时目录。默认每条退出路径都删除。
	KeepTemp bool
	// Upload 把本地文件发布到对象存储，返回公网 URL
	Upload func(localPath, objectName string) (string, error)
}

func NewComposerFromConfig() *Composer {
	cfg := config.AppConfig.Compose
	return &Composer{
		FFmpegPath: cfg.FFmpegPath,
		WorkDir:    cfg.WorkDir,
		KeepTemp:   cfg.KeepTemp,
		Upload:     UploadLocalFile,
	}
}

// Compose 执行合成。任何下载/混流/拼接失败（重试后）都中止整个
// step，并带上具体环节和底层工具的错误文本；绝不发布半成品。
func (c *Composer) Compose(ctx context.Context, projectID string, clips []ComposeClip) (*ComposeResult, error) {
	if len(clips) == 0 {
		return nil, NewComposeError("input", "片段列表为空")
	}
	for i, clip := range clips {
		if clip.VideoUrl == "" || clip.AudioUrl == "" {
			return nil, NewComposeError("input", "片段 %d 缺少视频或音轨", i)
		}
	}

	workDir, err := os.MkdirTemp(c.WorkDir, "compose-"+projectID+"-")
	if err != nil {
		return nil, NewComposeError("workspace", "创建临时目录失败: %v", err)
	}
	if c.KeepTemp {
		log.Printf("[Compose] keep_temp 开启，临时目录保留: %s", workDir)
	} else {
		defer func() {
			if err := os.RemoveAll(workDir); err != nil {
				log.Printf("[Compose] 清理临时目录失败 %s: %v", workDir, err)
			} else {
				log.Printf("[Compose] 临时目录已清理: %s", workDir)
			}
		}()
	}

	// 1. 下载全部素材
	mergedPaths := make([]string, len(clips))
	for i, clip := range clips {
		videoPath := filepath.Join(workDir, fmt.Sprintf("video_%d.mp4", i))
		audioPath := filepath.Join(workDir, fmt.Sprintf("audio_%d.mp3", i))
		if err := downloadFile(ctx, clip.VideoUrl, videoPath); err != nil {
			return nil, NewComposeError("download", "下载视频片段 %d 失败: %v", i, err)
		}
		if err := downloadFile(ctx, clip.AudioUrl, audioPath); err != nil {
			return nil, NewComposeError("download", "下载音轨 %d 失败: %v", i, err)
		}

		subtitlePath := ""
		if len(clip.Subtitles) > 0 {
			subtitlePath = filepath.Join(workDir, fmt.Sprintf("subs_%d.srt", i))
			if err := os.WriteFile(subtitlePath, []byte(RenderSRT(clip.Subtitles)), 0644); err != nil {
				return nil, NewComposeError("download", "写字幕文件 %d 失败: %v", i, err)
			}
		}

		// 2. 每个片段单独混流
		outPath := filepath.Join(workDir, fmt.Sprintf("merged_%d.mp4", i))
		args := BuildMuxArgs(videoPath, audioPath, subtitlePath, outPath)
		if out, err := c.runFFmpeg(ctx, args); err != nil {
			return nil, NewComposeError("mux", "片段 %d 混流失败: %v, ffmpeg: %s", i, err, out)
		}
		mergedPaths[i] = outPath
	}

	// 3. 按原始 index 顺序拼接（先 stream copy，失败整体重编码重试一次）
	listPath := filepath.Join(workDir, "concat.txt")
	if err := os.WriteFile(listPath, []byte(ConcatListContent(mergedPaths)), 0644); err != nil {
		return nil, NewComposeError("concat", "写拼接清单失败: %v", err)
	}
	finalPath := filepath.Join(workDir, "final.mp4")
	if out, err := c.runFFmpeg(ctx, BuildConcatArgs(listPath, finalPath, false)); err != nil {
		log.Printf("[Compose] copy 拼接失败，重编码重试: %v, ffmpeg: %s", err, out)
		if out, err := c.runFFmpeg(ctx, BuildConcatArgs(listPath, finalPath, true)); err != nil {
			return nil, NewComposeError("concat", "拼接失败(已重编码重试): %v, ffmpeg: %s", err, out)
		}
	}

	// 4. 发布成片
	objectName := fmt.Sprintf("projects/%s/final.mp4", projectID)
	finalURL, err := c.Upload(finalPath, objectName)
	if err != nil {
		return nil, NewComposeError("publish", "发布成片失败: %v", err)
	}

	total := 0.0
	for _, clip := range clips {
		total += clip.Duration
	}
	log.Printf("[Compose] 成片已发布: %s (%.1fs, %d 片段)", finalURL, total, len(clips))
	return &ComposeResult{Url: finalURL, Duration: total}, nil
}

// BuildMuxArgs 单片段混流参数。流选择必须显式：视频取输入 0，
// 音轨取输入 1，不做"first available"协商。不加 -shortest——
// 音轨比视频短时保留完整视频时长，宁可留静音也不截断。
// 只有烧字幕才重编码视频流，否则直接 copy。
func BuildMuxArgs(videoPath, audioPath, subtitlePath, outPath string) []string {
	args := []string{
		"-y",
		"-i", videoPath,
		"-i", audioPath,
		"-map", "0:v:0",
		"-map", "1:a:0",
	}
	if subtitlePath != "" {
		args = append(args,
			"-vf", "subtitles="+subtitlePath,
			"-c:v", "libx264",
			"-preset", "veryfast",
		)
	} else {
		args = append(args, "-c:v", "copy")
	}
	args = append(args, "-c:a", "aac", outPath)
	return args
}

// BuildConcatArgs 拼接参数。reencode=false 时纯 stream copy；
// 中间片段内部参数不一致导致 copy 失败时用 reencode=true 重试。
func BuildConcatArgs(listPath, outPath string, reencode bool) []string {
	args := []string{
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
	}
	if reencode {
		args = append(args, "-c:v", "libx264", "-preset", "veryfast", "-c:a", "aac")
	} else {
		args = append(args, "-c", "copy")
	}
	return append(args, outPath)
}

// ConcatListContent concat demuxer 的清单内容，顺序即成片顺序
func ConcatListContent(paths []string) string {
	var b strings.Builder
	for _, p := range paths {
		b.WriteString("file '")
		b.WriteString(p)
		b.WriteString("'\n")
	}
	return b.String()
}

// runFFmpeg 以显式参数表调子进程；非零退出码和 stderr 是唯一的失败信号
func (c *Composer) runFFmpeg(ctx context.Context, args []string) (string, error) {
	cmd := exec.CommandContext(ctx, c.FFmpegPath, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	err := cmd.Run()
	out := stderr.String()
	if len(out) > 1000 {
		out = out[len(out)-1000:]
	}
	return out, err
}

// RenderSRT 把 cue 列表渲染成 SRT 文本。时间戳按片段重归一：
// 第一条 cue 平移到 0 开始（cue 原始时间是相对整条语音轨的）。
func RenderSRT(cues []models.Cue) string {
	if len(cues) == 0 {
		return ""
	}
	offset := cues[0].StartMs
	var b strings.Builder
	for i, cue := range cues {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n",
			i+1,
			FormatSRTTime(cue.StartMs-offset),
			FormatSRTTime(cue.EndMs-offset),
			cue.Text,
		)
	}
	return b.String()
}

// FormatSRTTime 毫秒 -> "HH:MM:SS,mmm"
func FormatSRTTime(ms int) string {
	if ms < 0 {
		ms = 0
	}
	h := ms / 3600000
	m := ms % 3600000 / 60000
	s := ms % 60000 / 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms%1000)
}

func downloadFile(ctx context.Context, url, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request failed: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download status: %d", resp.StatusCode)
	}

	f, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("write file failed: %w", err)
	}
	return nil
}
