// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

import "fmt"

// IngestTask represents one document waiting to be extracted, chunked and indexed.
type IngestTask struct {
	DocID     uint   `json:"doc_id"`
	UserID    uint   `json:"user_id"`
	ObjectKey string `json:"object_key"`
	FileName  string `json:"file_name"`
}

// Key identifies the task for retry bookkeeping.
func (t IngestTask) Key() string {
	return fmt.Sprintf("doc:%d", t.DocID)
}
