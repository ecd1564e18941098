package worker

import (
	"context"
	"time"
)

// Task 代表要執行的任務（在 orchestrator 中是一個代碼的串流）
type Task struct {
	ID      string                          // 任務識別碼（代碼）
	Ctx     context.Context                 // 任務專屬的取消訊號，nil 表示 Background
	Timeout time.Duration                   // 執行超時時間，0 表示不限
	Run     func(ctx context.Context) error // 任務內容
}

// Result 代表任務執行結果
type Result struct {
	TaskID   string        // 任務 ID
	Success  bool          // 執行是否成功
	Error    error         // 錯誤訊息（如果有）
	Duration time.Duration // 實際執行時間
}
