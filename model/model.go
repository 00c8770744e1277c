package model

import (
	"fmt"
	"runtime/debug"
)

type CustomError struct {
	Processor  string                 `json:"processor"`
	Inner      error                  `json:"innerError"`
	Message    string                 `json:"message"`
	StackTrace string                 `json:"stackTrace"`
	Misc       map[string]interface{} `json:"misc"`
}

func (e CustomError) Error() string {
	if e.Inner == nil {
		return fmt.Sprintf("%s: %s", e.Processor, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Processor, e.Message, e.Inner)
}

func (e CustomError) Unwrap() error {
	return e.Inner
}

func GenError(proc string, err error, misc map[string]interface{}, messagef string, args ...interface{}) CustomError {
	return CustomError{
		Processor:  proc,
		Inner:      err,
		Message:    fmt.Sprintf(messagef, args...),
		StackTrace: string(debug.Stack()),
		Misc:       misc,
	}
}

type EngineStats struct {
	Submitted      uint64  `json:"submitted"`
	Processed      uint64  `json:"processed"`
	Failed         uint64  `json:"failed"`
	Evicted        uint64  `json:"evicted"`
	Acked          uint64  `json:"acked"`
	QueueDepth     int     `json:"queueDepth"`
	PendingResults int     `json:"pendingResults"`
	AvgProcTime    float64 `json:"avgProcTime"`
	Uptime         int64   `json:"uptime"`
	Timestamp      int64   `json:"timestamp"`
}

type SourceStats struct {
	ManagerID   string `json:"managerId"`
	Source      string `json:"source"`
	Frames      int    `json:"frames"`
	EmptyFrames int    `json:"emptyFrames"`
	Submitted   int    `json:"submitted"`
	Published   int    `json:"published"`
	JobErrors   int    `json:"jobErrors"`
	Restarts    int    `json:"restarts"`
	Uptime      int64  `json:"uptime"`
	Timestamp   int64  `json:"timestamp"`
}

type EmitterStats struct {
	Name       string `json:"name"`
	Enqueued   uint64 `json:"enqueued"`
	Processed  uint64 `json:"processed"`
	Errors     uint64 `json:"errors"`
	Dropped    uint64 `json:"dropped"`
	QueueDepth int    `json:"queueDepth"`
	Uptime     int64  `json:"uptime"`
	Timestamp  int64  `json:"timestamp"`
}

type ManagerStats struct {
	ID             string `json:"id"`
	RunningSources int    `json:"runningSources"`
	Routes         int    `json:"routes"`
	Uptime         int64  `json:"uptime"`
	Timestamp      int64  `json:"timestamp"`
}
