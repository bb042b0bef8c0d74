package normalize

import (
	"errors"
	"fmt"
)

// Decode failure reasons. A DecodeError always wraps exactly one of them.
var (
	ErrWrongTopic       = errors.New("wrong transfer topic")
	ErrTopicCount       = errors.New("unexpected topic count")
	ErrMalformedAddress = errors.New("malformed address topic")
	ErrMalformedAmount  = errors.New("malformed amount")
	ErrMalformedTokenID = errors.New("malformed token id")
	ErrRemovedLog       = errors.New("log removed by reorg")
	ErrMalformedLog     = errors.New("malformed log envelope")
)

var reasonLabels = map[error]string{
	ErrWrongTopic:       "wrong_topic",
	ErrTopicCount:       "topic_count",
	ErrMalformedAddress: "malformed_address",
	ErrMalformedAmount:  "malformed_amount",
	ErrMalformedTokenID: "malformed_token_id",
	ErrRemovedLog:       "removed",
	ErrMalformedLog:     "malformed_log",
}

// DecodeError reports a log that could not become a transfer fact. The caller
// skips the log and counts it.
type DecodeError struct {
	Reason      error
	Detail      string
	BlockNumber uint64
	LogIndex    uint64
	TxHash      string
}

func (e *DecodeError) Error() string {
	msg := fmt.Sprintf("decode log %s:%d at block %d: %v", e.TxHash, e.LogIndex, e.BlockNumber, e.Reason)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *DecodeError) Unwrap() error { return e.Reason }

// ReasonLabel maps a decode error to a short metric/log label.
func ReasonLabel(err error) string {
	var de *DecodeError
	if errors.As(err, &de) {
		err = de.Reason
	}
	for reason, label := range reasonLabels {
		if errors.Is(err, reason) {
			return label
		}
	}
	return "other"
}
