package models

import "time"

// RecordingFile is a downloadable archive produced by a completed task.
// One per task; removed by retention sweeps or admin action together with
// the file on local storage.
type RecordingFile struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	FilePath  string    `json:"file_path"`
	FileSize  int64     `json:"file_size"`
	CreatedAt time.Time `json:"created_at"`
}
