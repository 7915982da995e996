package config

import (
	"fmt"
)

type StorageKeyStruct struct{}

func NewStorageKeyStruct() *StorageKeyStruct {
	return &StorageKeyStruct{}
}

// AnswersKey returns the local cache key for an attempt's answer map
func (r *StorageKeyStruct) AnswersKey(examID, attemptID string) string {
	return fmt.Sprintf("exam-answers-%s-%s", examID, attemptID)
}

// NavigationKey returns the local cache key for an attempt's navigation state
func (r *StorageKeyStruct) NavigationKey(examID, attemptID string) string {
	return fmt.Sprintf("exam-navigation-%s-%s", examID, attemptID)
}

// WarningsKey returns the local cache key for an attempt's violation count
func (r *StorageKeyStruct) WarningsKey(examID, attemptID string) string {
	return fmt.Sprintf("exam-warnings-%s-%s", examID, attemptID)
}

// ExamMonitorPath returns the websocket stream path for an exam monitor
func (r *StorageKeyStruct) ExamMonitorPath(examID string) string {
	return fmt.Sprintf("/ws/v1/exams/%s/stream", examID)
}

var StorageKey = NewStorageKeyStruct()
