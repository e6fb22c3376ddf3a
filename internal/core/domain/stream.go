package domain

import (
	"time"
)

// Token is a single generated token on the streaming path. SizeBytes is
// measured eagerly by the token source so chunking never recomputes lengths.
type Token struct {
	ID        int     `json:"id"`
	Text      string  `json:"text"`
	Logprob   float64 `json:"logprob,omitempty"`
	IsFinal   bool    `json:"isFinal,omitempty"`
	SizeBytes int     `json:"sizeBytes,omitempty"`
}

func (t Token) Size() int {
	if t.SizeBytes > 0 {
		return t.SizeBytes
	}
	return len(t.Text)
}

type FlushReason string

const (
	FlushSize    FlushReason = "size"
	FlushTimeout FlushReason = "timeout"
	FlushFinal   FlushReason = "final"
	FlushManual  FlushReason = "manual"
)

// Chunk is a batch of tokens aggregated by the streaming controller before
// dispatch to the consumer. Sequence numbers are strictly increasing per
// stream.
type Chunk struct {
	ID        string      `json:"chunkId"`
	StreamID  string      `json:"streamId"`
	Sequence  uint64      `json:"sequence"`
	Tokens    []Token     `json:"tokens"`
	SizeBytes int         `json:"sizeBytes"`
	CreatedAt time.Time   `json:"createdAt"`
	SentAt    time.Time   `json:"sentAt,omitempty"`
	AckedAt   time.Time   `json:"ackedAt,omitempty"`
	Final     bool        `json:"final,omitempty"`
	Reason    FlushReason `json:"reason"`
}
