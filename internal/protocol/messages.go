package protocol

import "time"

// ChapterCompleted is published once per chapter when its outcome is final.
type ChapterCompleted struct {
	RunID        string    `json:"run_id"`
	Index        int       `json:"index"`
	Title        string    `json:"title"`
	Status       string    `json:"status"`
	Artifact     string    `json:"artifact,omitempty"`
	Chunks       int       `json:"chunks"`
	FailedChunks int       `json:"failed_chunks"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// RunCompleted is published once after the last chapter of a run.
type RunCompleted struct {
	RunID           string    `json:"run_id"`
	Book            string    `json:"book"`
	Backend         string    `json:"backend"`
	Succeeded       int       `json:"succeeded"`
	PartiallyFailed int       `json:"partially_failed"`
	Failed          int       `json:"failed"`
	Canceled        bool      `json:"canceled,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

const (
	SubjectChapterCompleted = "chapter.completed"
	SubjectRunCompleted     = "run.completed"
)

// Subject prefixes name with the configured subject prefix.
func Subject(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
