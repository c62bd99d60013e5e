package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"ReelsFactory-server/config"
	"ReelsFactory-server/models"
)

// WorkerClient 生成服务的通用客户端。所有 worker 说同一套协议：
// POST /v1/generate 提交任务拿 job_id，GET /v1/jobs/{id} 轮询到终态。
// 超时/限流等远端行为对调用方来说都是不透明失败。
type WorkerClient struct {
	Endpoint     string
	HTTP         *http.Client
	PollInterval time.Duration
}

func NewWorkerClient(endpoint string) *WorkerClient {
	return &WorkerClient{
		Endpoint:     endpoint,
		HTTP:         &http.Client{},
		PollInterval: 3 * time.Second,
	}
}

type workerJob struct {
	ID     string          `json:"id"`
	JobID  string          `json:"job_id"`
	Status string          `json:"status"`
	Error  string          `json:"error"`
	Result json.RawMessage `json:"result"`
}

// Generate 提交生成任务并轮询结果。ctx 截止后返回 TimeoutError，
// 不会把"还在跑"当成功或挂起。
func (c *WorkerClient) Generate(ctx context.Context, genType string, params map[string]interface{}) (json.RawMessage, error) {
	jobID, err := c.dispatch(ctx, genType, params)
	if err != nil {
		return nil, err
	}
	log.Printf("[Worker] 任务已提交: type=%s job=%s", genType, jobID)
	return c.poll(ctx, jobID)
}

func (c *WorkerClient) dispatch(ctx context.Context, genType string, params map[string]interface{}) (string, error) {
	reqBody := map[string]interface{}{
		"type":       genType,
		"parameters": params,
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", NewAdapterError("marshal request failed: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint+"/v1/generate", bytes.NewBuffer(jsonBody))
	if err != nil {
		return "", NewAdapterError("create request failed: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", NewTimeoutError("dispatch 超时: %v", ctx.Err())
		}
		return "", NewAdapterError("worker request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", NewAdapterError("worker status code: %d, body: %s", resp.StatusCode, string(body))
	}

	var job workerJob
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return "", NewAdapterError("decode response failed: %v", err)
	}
	// 优先取根节点的 id
	if job.ID != "" {
		return job.ID, nil
	}
	if job.JobID != "" {
		return job.JobID, nil
	}
	return "", NewAdapterError("response missing 'id'")
}

func (c *WorkerClient) poll(ctx context.Context, jobID string) (json.RawMessage, error) {
	jobURL := fmt.Sprintf("%s/v1/jobs/%s", c.Endpoint, jobID)
	interval := c.PollInterval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, NewTimeoutError("轮询超时/取消: %v", ctx.Err())
		case <-ticker.C:
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, jobURL, nil)
			if err != nil {
				log.Printf("创建请求失败: %v", err)
				continue
			}
			resp, err := c.HTTP.Do(req)
			if err != nil {
				// ctx 取消导致的错误在上面的 <-ctx.Done() 捕获
				log.Printf("轮询网络错误(重试中): %v", err)
				continue
			}
			var job workerJob
			decodeErr := json.NewDecoder(resp.Body).Decode(&job)
			resp.Body.Close()
			if decodeErr != nil {
				log.Printf("解析响应失败: %v", decodeErr)
				continue
			}

			switch job.Status {
			case "finished", "success", "completed", "succeeded":
				return job.Result, nil
			case "failed", "error":
				return nil, NewAdapterError("worker reported failure: %s", job.Error)
			}
			// 其他状态继续轮询
		}
	}
}

// Adapters 每个生成能力一个 adapter：结构化输入 -> 结构化输出或类型化失败
type Adapters struct {
	Refine      *WorkerClient
	Research    *WorkerClient
	Concept     *WorkerClient
	Script      *WorkerClient
	VideoSynth  *WorkerClient
	SpeechSynth *WorkerClient
}

func NewAdaptersFromConfig() *Adapters {
	return &Adapters{
		Refine:      NewWorkerClient(config.WorkerEndpoint(models.StepRefine)),
		Research:    NewWorkerClient(config.WorkerEndpoint(models.StepResearch)),
		Concept:     NewWorkerClient(config.WorkerEndpoint(models.StepConcept)),
		Script:      NewWorkerClient(config.WorkerEndpoint(models.StepScript)),
		VideoSynth:  NewWorkerClient(config.WorkerEndpoint(models.StepVideoSynth)),
		SpeechSynth: NewWorkerClient(config.WorkerEndpoint(models.StepSpeechSynth)),
	}
}

// RefinePrompt 提示词润色
func (a *Adapters) RefinePrompt(ctx context.Context, prompt string) (string, error) {
	raw, err := a.Refine.Generate(ctx, "refine_prompt", map[string]interface{}{
		"prompt": prompt,
	})
	if err != nil {
		return "", err
	}
	var out struct {
		RefinedPrompt string `json:"refined_prompt"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", NewAdapterError("解析润色结果失败: %v", err)
	}
	if out.RefinedPrompt == "" {
		return "", NewAdapterError("润色结果为空")
	}
	return out.RefinedPrompt, nil
}

// RunResearch 选题调研
func (a *Adapters) RunResearch(ctx context.Context, refinedPrompt string) (models.InsightList, error) {
	raw, err := a.Research.Generate(ctx, "research", map[string]interface{}{
		"prompt": refinedPrompt,
	})
	if err != nil {
		return nil, err
	}
	var out struct {
		Insights models.InsightList `json:"insights"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, NewAdapterError("解析调研结果失败: %v", err)
	}
	if len(out.Insights) == 0 {
		return nil, NewAdapterError("调研结果中没有 insights 数据")
	}
	return out.Insights, nil
}

// GenerateConcepts 创意概念（产出若干候选，用户选定一个）
func (a *Adapters) GenerateConcepts(ctx context.Context, refinedPrompt string, insights models.InsightList) (models.ConceptList, error) {
	raw, err := a.Concept.Generate(ctx, "concepts", map[string]interface{}{
		"prompt":   refinedPrompt,
		"insights": insights,
	})
	if err != nil {
		return nil, err
	}
	var out struct {
		Concepts models.ConceptList `json:"concepts"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, NewAdapterError("解析概念结果失败: %v", err)
	}
	if len(out.Concepts) == 0 {
		return nil, NewAdapterError("概念结果为空")
	}
	return out.Concepts, nil
}

// GenerateScripts 分镜脚本（每个子片段一条，待用户逐条 approve）
func (a *Adapters) GenerateScripts(ctx context.Context, concept models.Concept, insights models.InsightList) (models.ScriptList, error) {
	raw, err := a.Script.Generate(ctx, "scripts", map[string]interface{}{
		"concept":  concept,
		"insights": insights,
	})
	if err != nil {
		return nil, err
	}
	var out struct {
		Scripts models.ScriptList `json:"scripts"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, NewAdapterError("解析脚本结果失败: %v", err)
	}
	if len(out.Scripts) == 0 {
		return nil, NewAdapterError("脚本结果为空")
	}
	for i := range out.Scripts {
		out.Scripts[i].Index = i
		out.Scripts[i].Approved = false
	}
	return out.Scripts, nil
}

// SynthVideo 单个分镜的视频片段生成，返回片段 URL 和原始时长（秒）
func (a *Adapters) SynthVideo(ctx context.Context, script models.Script) (string, float64, error) {
	raw, err := a.VideoSynth.Generate(ctx, "video", map[string]interface{}{
		"visual_hint": script.VisualHint,
		"title":       script.Title,
	})
	if err != nil {
		return "", 0, err
	}
	var out struct {
		Url      string  `json:"url"`
		Duration float64 `json:"duration"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", 0, NewAdapterError("解析视频结果失败: %v", err)
	}
	if out.Url == "" {
		return "", 0, NewAdapterError("视频结果缺少 url")
	}
	return out.Url, out.Duration, nil
}

// SynthSpeech 单条旁白的语音合成，返回音轨 URL 和字幕 cue 列表
func (a *Adapters) SynthSpeech(ctx context.Context, script models.Script) (string, []models.Cue, error) {
	raw, err := a.SpeechSynth.Generate(ctx, "speech", map[string]interface{}{
		"text": script.VoiceOver,
	})
	if err != nil {
		return "", nil, err
	}
	var out struct {
		AudioUrl string       `json:"audio_url"`
		Cues     []models.Cue `json:"cues"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", nil, NewAdapterError("解析语音结果失败: %v", err)
	}
	if out.AudioUrl == "" {
		return "", nil, NewAdapterError("语音结果缺少 audio_url")
	}
	return out.AudioUrl, out.Cues, nil
}
