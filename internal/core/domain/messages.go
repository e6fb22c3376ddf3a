package domain

import (
	"time"
)

// Control-plane bus topics. Per-worker and per-request topics are derived
// with the helpers below.
const (
	TopicWorkerRegister   = "worker.register"
	TopicWorkerHeartbeat  = "worker.heartbeat"
	TopicWorkerDeregister = "worker.deregister"
)

func TopicWorkerInference(workerID string) string {
	return "worker." + workerID + ".inference"
}

func TopicResponse(requestID string) string {
	return "response." + requestID
}

// WorkerRegistration announces a worker and its skills on the bus.
type WorkerRegistration struct {
	WorkerID     string             `json:"workerId"`
	Hostname     string             `json:"hostname"`
	IP           string             `json:"ip"`
	Port         int                `json:"port"`
	Skills       WorkerSkills       `json:"skills"`
	Capabilities WorkerCapabilities `json:"capabilities"`
	Status       WorkerStatus       `json:"status"`
	Timestamp    time.Time          `json:"timestamp"`
}

type WorkerHeartbeat struct {
	WorkerID  string        `json:"workerId"`
	Status    WorkerStatus  `json:"status"`
	Skills    *WorkerSkills `json:"skills,omitempty"`
	Metrics   WorkerMetrics `json:"metrics"`
	Timestamp time.Time     `json:"timestamp"`
}

type WorkerDeregistration struct {
	WorkerID  string    `json:"workerId"`
	Timestamp time.Time `json:"timestamp"`
}

// Response message kinds on the per-request reply topic. The transport
// preserves their order: token* (done|error).
const (
	ResponseToken = "token"
	ResponseDone  = "done"
	ResponseError = "error"
)

type ResponseMessage struct {
	RequestID   string `json:"requestId"`
	Type        string `json:"type"`
	Token       string `json:"token,omitempty"`
	Index       int    `json:"index,omitempty"`
	TotalTokens int    `json:"totalTokens,omitempty"`
	LatencyMs   int64  `json:"latencyMs,omitempty"`
	Error       string `json:"error,omitempty"`
	Code        string `json:"code,omitempty"`
}
