package botlog

import (
	"fmt"
	"strconv"
	"strings"
)

// Scope selects which bot's records a session keeps: one bot, or the whole
// fleet. Scopes are immutable; changing scope means building a new session.
type Scope struct {
	botID  int64
	single bool
}

// Single scopes a session to one bot.
func Single(botID int64) Scope {
	return Scope{botID: botID, single: true}
}

// All scopes a session to every bot (fleet-wide dashboard).
func All() Scope {
	return Scope{}
}

// ParseScope accepts "all" (or the empty string) and a decimal bot id.
func ParseScope(s string) (Scope, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "all") {
		return All(), nil
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(s, "bot:"), 10, 64)
	if err != nil {
		return Scope{}, fmt.Errorf("parse scope %q: %w", s, err)
	}
	return Single(id), nil
}

// ScopeFromPtr maps an optional bot id onto a scope; nil means All.
func ScopeFromPtr(botID *int64) Scope {
	if botID == nil {
		return All()
	}
	return Single(*botID)
}

// IsAll reports whether the scope covers the whole fleet.
func (s Scope) IsAll() bool {
	return !s.single
}

// BotID returns the scoped bot and true, or false for All.
func (s Scope) BotID() (int64, bool) {
	return s.botID, s.single
}

// SubscribeArg is the argument sent with SubscribeToBot: nil subscribes to all bots.
func (s Scope) SubscribeArg() *int64 {
	if !s.single {
		return nil
	}
	id := s.botID
	return &id
}

func (s Scope) String() string {
	if !s.single {
		return "all"
	}
	return "bot:" + strconv.FormatInt(s.botID, 10)
}

// AcceptsLog reports whether rec belongs in a buffer scoped to s. Records
// without a source are system messages and pass every scope.
func AcceptsLog(s Scope, rec LogRecord) bool {
	if !s.single || rec.BotID == nil {
		return true
	}
	return *rec.BotID == s.botID
}

// AcceptsProgress reports whether rec belongs to scope s.
func AcceptsProgress(s Scope, rec ProgressRecord) bool {
	return !s.single || rec.BotID == s.botID
}
