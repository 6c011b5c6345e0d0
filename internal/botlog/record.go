package botlog

import (
	"strconv"
	"time"
)

// Level is the severity attached to a LogRecord by the emitting bot.
type Level string

// Levels emitted by the bots.
const (
	LevelInfo    Level = "Info"
	LevelSuccess Level = "Success"
	LevelWarning Level = "Warning"
	LevelError   Level = "Error"
	LevelDebug   Level = "Debug"
)

// Known reports whether l is one of the levels the bots emit.
func (l Level) Known() bool {
	switch l {
	case LevelInfo, LevelSuccess, LevelWarning, LevelError, LevelDebug:
		return true
	default:
		return false
	}
}

// LogRecord is a single log line received through ReceiveLogMessage.
type LogRecord struct {
	// Level is kept verbatim, unknown values included.
	Level Level `json:"level"`
	// Message is the free-form text of the line.
	Message string `json:"message"`
	// Timestamp is the producer's ISO-8601 instant.
	Timestamp string `json:"timestamp"`
	// BotID is nil for system messages that belong to no bot.
	BotID *int64 `json:"botId,omitempty"`
	// BotName is only meaningful when BotID is set.
	BotName string `json:"botName,omitempty"`
}

// HasSource reports whether the record names the bot that emitted it.
func (r LogRecord) HasSource() bool {
	return r.BotID != nil
}

// Time parses Timestamp. The zero time is returned when the producer sent
// something unparsable.
func (r LogRecord) Time() time.Time {
	return parseTimestamp(r.Timestamp)
}

// SourceLabel renders the emitting bot for display ("" for system messages).
func (r LogRecord) SourceLabel() string {
	if r.BotID == nil {
		return ""
	}
	if r.BotName != "" {
		return r.BotName
	}
	return "bot " + strconv.FormatInt(*r.BotID, 10)
}

// ProgressRecord is the latest progress update received through ReceiveProgress.
// Percentage is supplied by the producer and never recomputed from Current/Total.
type ProgressRecord struct {
	BotID      int64   `json:"botId"`
	BotName    string  `json:"botName"`
	Current    int64   `json:"current"`
	Total      int64   `json:"total"`
	Percentage float64 `json:"percentage"`
	Message    string  `json:"message"`
	Timestamp  string  `json:"timestamp"`
}

// Time parses Timestamp, returning the zero time on failure.
func (p ProgressRecord) Time() time.Time {
	return parseTimestamp(p.Timestamp)
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.9999999"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts
		}
	}
	return time.Time{}
}

// BotID is a convenience for building records in callers and tests.
func BotID(id int64) *int64 {
	return &id
}
