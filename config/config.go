package config

import (
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	MySQL struct {
		DSN string `yaml:"dsn"`
	} `yaml:"mysql"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
	} `yaml:"redis"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`

	// 各生成能力对应的 Worker 服务地址（dispatch/poll 协议）
	Workers struct {
		Refine      string `yaml:"refine"`
		Research    string `yaml:"research"`
		Concept     string `yaml:"concept"`
		Script      string `yaml:"script"`
		VideoSynth  string `yaml:"video_synth"`
		SpeechSynth string `yaml:"speech_synth"`
	} `yaml:"workers"`

	Steps struct {
		// 每个 step 的积分单价（step 4/5 为每个子任务单价）
		Prices [7]int `yaml:"prices"`
		// 子任务超时（秒）
		ItemTimeoutSec int `yaml:"item_timeout_sec"`
		// 单任务 step 超时（秒）
		StepTimeoutSec int `yaml:"step_timeout_sec"`
	} `yaml:"steps"`

	Compose struct {
		FFmpegPath string `yaml:"ffmpeg_path"`
		WorkDir    string `yaml:"work_dir"`
		// 调试用：保留临时合成目录
		KeepTemp bool `yaml:"keep_temp"`
	} `yaml:"compose"`

	MinIO struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Bucket    string `yaml:"bucket"`
		UseSSL    bool   `yaml:"use_ssl"`
		Domain    string `yaml:"domain"`
	} `yaml:"minio"`
}

var AppConfig *Config

func InitConfig() {
	// 本地开发加载 .env（生产环境用真实环境变量）
	_ = godotenv.Load()

	path := os.Getenv("REELS_CONFIG")
	if path == "" {
		path = "config/config.yaml"
	}
	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("配置文件读取失败: %v", err)
	}
	defer f.Close()
	decoder := yaml.NewDecoder(f)
	AppConfig = &Config{}
	if err := decoder.Decode(AppConfig); err != nil {
		log.Fatalf("配置文件解析失败: %v", err)
	}
	ApplyDefaults(AppConfig)
}

func ApplyDefaults(c *Config) {
	if c.Server.Port == "" {
		c.Server.Port = ":8080"
	}
	if c.Steps.ItemTimeoutSec <= 0 {
		c.Steps.ItemTimeoutSec = int((10 * time.Minute).Seconds())
	}
	if c.Steps.StepTimeoutSec <= 0 {
		c.Steps.StepTimeoutSec = int((20 * time.Minute).Seconds())
	}
	if c.Compose.FFmpegPath == "" {
		c.Compose.FFmpegPath = "ffmpeg"
	}
	for i := range c.Steps.Prices {
		if c.Steps.Prices[i] <= 0 {
			c.Steps.Prices[i] = defaultPrices[i]
		}
	}
}

// 默认单价：文本类 step 便宜，视频合成最贵
var defaultPrices = [7]int{1, 2, 2, 3, 10, 5, 8}

// StepPrice 返回 step 的积分单价（fan-out step 为每个子任务单价）
func StepPrice(step int) int {
	if step < 0 || step > 6 || AppConfig == nil {
		return 0
	}
	return AppConfig.Steps.Prices[step]
}

// WorkerEndpoint 返回 step 对应的 worker 地址
func WorkerEndpoint(step int) string {
	w := AppConfig.Workers
	switch step {
	case 0:
		return w.Refine
	case 1:
		return w.Research
	case 2:
		return w.Concept
	case 3:
		return w.Script
	case 4:
		return w.VideoSynth
	case 5:
		return w.SpeechSynth
	}
	return ""
}

// ItemTimeout fan-out 子任务超时
func ItemTimeout() time.Duration {
	return time.Duration(AppConfig.Steps.ItemTimeoutSec) * time.Second
}

// StepTimeout 单任务 step 超时
func StepTimeout() time.Duration {
	return time.Duration(AppConfig.Steps.StepTimeoutSec) * time.Second
}
