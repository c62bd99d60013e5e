package service

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"ReelsFactory-server/models"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, models.Migrate(db))
	return db
}

// newFakeWorker 起一个说 dispatch/poll 协议的假 worker：
// POST /v1/generate 返回 job id，GET /v1/jobs/{id} 返回终态。
// handle 返回 (result, errMsg)，errMsg 非空则 job 以 failed 终结。
func newFakeWorker(t *testing.T, handle func(params map[string]interface{}) (interface{}, string)) *httptest.Server {
	t.Helper()
	type job struct {
		result interface{}
		errMsg string
	}
	var mu sync.Mutex
	jobs := map[string]job{}
	seq := 0

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Type       string                 `json:"type"`
			Parameters map[string]interface{} `json:"parameters"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		result, errMsg := handle(req.Parameters)
		mu.Lock()
		seq++
		id := fmt.Sprintf("job-%d", seq)
		jobs[id] = job{result: result, errMsg: errMsg}
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"id": id})
	})
	mux.HandleFunc("/v1/jobs/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/v1/jobs/")
		mu.Lock()
		j, ok := jobs[id]
		mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if j.errMsg != "" {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"status": "failed", "error": j.errMsg})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"status": "finished", "result": j.result})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testWorkerClient(url string) *WorkerClient {
	c := NewWorkerClient(url)
	c.PollInterval = 5 * time.Millisecond
	return c
}

var testPrices = [7]int{1, 2, 2, 3, 10, 5, 8}

// newTestMachine Enqueue 只捕获载荷，由测试自己决定何时 Execute
func newTestMachine(t *testing.T, db *gorm.DB) (*StepMachine, *[]StepTaskPayload) {
	t.Helper()
	var captured []StepTaskPayload
	m := &StepMachine{
		DB:          db,
		Adapters:    &Adapters{},
		ItemTimeout: 2 * time.Second,
		Price:       func(step int) int { return testPrices[step] },
		Enqueue: func(p StepTaskPayload) error {
			captured = append(captured, p)
			return nil
		},
	}
	return m, &captured
}

func seedUserAndProject(t *testing.T, db *gorm.DB, points int, mutate func(*models.Project)) *models.Project {
	t.Helper()
	require.NoError(t, models.EnsureAccount(db, "u1", points))
	p := &models.Project{
		ID:     "p-" + t.Name(),
		UserID: "u1",
		Title:  "test",
		Prompt: "一个关于深海生物的短视频",
	}
	if mutate != nil {
		mutate(p)
	}
	require.NoError(t, models.CreateProject(db, p))
	return p
}
