package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
)

// 子任务状态（videoClips / finalClips 元素在系统中统一使用这些状态）
const (
	SubJobStatusPending    = "pending"
	SubJobStatusProcessing = "processing"
	SubJobStatusCompleted  = "completed"
	SubJobStatusFailed     = "failed"
)

// Cue 字幕条目，毫秒时间戳（相对整条语音轨）
type Cue struct {
	StartMs int    `json:"start_ms"`
	EndMs   int    `json:"end_ms"`
	Text    string `json:"text"`
}

// SubJob fan-out step 中的一个独立子任务记录。
// 按 index 原位更新，不追加重排——协调器要在其他子任务
// 还在跑的时候就能上报部分进度。
type SubJob struct {
	Index     int     `json:"index"`
	Status    string  `json:"status"`
	Url       string  `json:"url,omitempty"`
	Error     string  `json:"error,omitempty"`
	Duration  float64 `json:"duration,omitempty"`
	AudioUrl  string  `json:"audioUrl,omitempty"`
	Subtitles []Cue   `json:"subtitles,omitempty"`
}

type SubJobList []SubJob

// Insight 调研阶段产出的一条洞察
type Insight struct {
	Title     string `json:"title"`
	Summary   string `json:"summary"`
	SourceUrl string `json:"source_url,omitempty"`
}

type InsightList []Insight

// Concept 创意概念（step 2 产出若干，用户选定一个）
type Concept struct {
	Title   string `json:"title"`
	Hook    string `json:"hook"`
	Outline string `json:"outline"`
	Tone    string `json:"tone,omitempty"`
}

// IsZero 用于判断"未选定概念"
func (c Concept) IsZero() bool {
	return c.Title == "" && c.Outline == ""
}

type ConceptList []Concept

// Script 单条分镜脚本（step 3 产出，step 4 只处理 approved 的）
type Script struct {
	Index      int    `json:"index"`
	Title      string `json:"title"`
	VoiceOver  string `json:"voice_over"`
	VisualHint string `json:"visual_hint"`
	Approved   bool   `json:"approved"`
}

type ScriptList []Script

// StatusMap 按 step 记录执行状态 / 错误文本
type StatusMap map[int]string

// ---- driver.Valuer / sql.Scanner：结构体 <-> JSON 列 ----

func jsonValue(v interface{}) (driver.Value, error) {
	return json.Marshal(v)
}

func jsonScan(dst interface{}, value interface{}) error {
	if value == nil {
		return nil
	}
	var bytes []byte
	switch b := value.(type) {
	case []byte:
		bytes = b
	case string:
		bytes = []byte(b)
	default:
		return errors.New(fmt.Sprint("Failed to unmarshal JSON value:", value))
	}
	if len(bytes) == 0 {
		return nil
	}
	return json.Unmarshal(bytes, dst)
}

func (l SubJobList) Value() (driver.Value, error)  { return jsonValue(l) }
func (l *SubJobList) Scan(value interface{}) error { return jsonScan(l, value) }

func (l InsightList) Value() (driver.Value, error)  { return jsonValue(l) }
func (l *InsightList) Scan(value interface{}) error { return jsonScan(l, value) }

func (c Concept) Value() (driver.Value, error)  { return jsonValue(c) }
func (c *Concept) Scan(value interface{}) error { return jsonScan(c, value) }

func (l ConceptList) Value() (driver.Value, error)  { return jsonValue(l) }
func (l *ConceptList) Scan(value interface{}) error { return jsonScan(l, value) }

func (l ScriptList) Value() (driver.Value, error)  { return jsonValue(l) }
func (l *ScriptList) Scan(value interface{}) error { return jsonScan(l, value) }

func (m StatusMap) Value() (driver.Value, error)  { return jsonValue(m) }
func (m *StatusMap) Scan(value interface{}) error { return jsonScan(m, value) }
