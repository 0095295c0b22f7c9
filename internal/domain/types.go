package domain

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusProcessing, StatusDone, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition may follow s.
func (s Status) Terminal() bool { return s == StatusDone || s == StatusFailed }

// Kind names the operation a task runs.
type Kind string

const (
	KindUpload  Kind = "upload"
	KindWebpage Kind = "webpage"
	KindYouTube Kind = "youtube"
	KindImage   Kind = "image"
	KindQuery   Kind = "query"
)

type Task struct {
	ID             string
	Kind           Kind
	Status         Status
	Result         json.RawMessage
	Error          string
	ErrorKind      ErrorKind
	ProcessingTime time.Duration
	CreatedAt      time.Time
	FinishedAt     time.Time
}

// Outcome is the terminal state a unit of work reports back to the registry.
type Outcome struct {
	Status         Status
	Result         json.RawMessage
	Error          string
	ErrorKind      ErrorKind
	ProcessingTime time.Duration
}

type Topic struct {
	ID                string    `db:"topic_id" json:"topic_id"`
	Name              string    `db:"name" json:"name"`
	Description       string    `db:"description" json:"description"`
	UseKnowledgeGraph bool      `db:"use_knowledge_graph" json:"use_knowledge_graph"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

type ContentType string

const (
	ContentDocument ContentType = "document"
	ContentWebpage  ContentType = "webpage"
	ContentYouTube  ContentType = "youtube"
	ContentImage    ContentType = "image"
	ContentText     ContentType = "text"
)

type ContentItem struct {
	ID          string      `db:"content_id" json:"content_id"`
	TopicID     string      `db:"study_topic_id" json:"study_topic_id"`
	ContentType ContentType `db:"content_type" json:"content_type"`
	Title       string      `db:"title" json:"title"`
	Content     string      `db:"content" json:"content,omitempty"`
	SourceURL   string      `db:"source_url" json:"source_url,omitempty"`
	FilePath    string      `db:"file_path" json:"file_path,omitempty"`
	Metadata    string      `db:"metadata" json:"metadata,omitempty"`
	CreatedAt   time.Time   `db:"created_at" json:"created_at"`
}

// Schedule re-ingests a webpage or video on a cron expression.
type Schedule struct {
	ID          string     `db:"id" json:"id"`
	Name        string     `db:"name" json:"name"`
	CronExpr    string     `db:"cron_expr" json:"cron_expr"`
	Kind        Kind       `db:"kind" json:"kind"`
	Target      string     `db:"target" json:"target"`
	Language    string     `db:"language" json:"language,omitempty"`
	TopicID     string     `db:"topic_id" json:"topic_id,omitempty"`
	CallbackURL string     `db:"callback_url" json:"callback_url,omitempty"`
	Enabled     bool       `db:"enabled" json:"enabled"`
	LastRun     *time.Time `db:"last_run" json:"last_run,omitempty"`
	NextRun     time.Time  `db:"next_run" json:"next_run"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}
