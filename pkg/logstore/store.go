package logstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/keyamuha-ux/collede/pkg/cache"
)

const (
	DefaultMaxLines = 2000
	saveInterval    = 2 * time.Second
	maxListLimit    = 5000
)

// Entry is one captured gateway log line.
type Entry struct {
	ID      uint64    `json:"id"`
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Fields  string    `json:"fields,omitempty"`
}

// Filter selects entries for List. MinLevel keeps that level and everything
// more severe. After returns only entries newer than the given id.
type Filter struct {
	MinLevel string
	Query    string
	Limit    int
	After    uint64
}

type persisted struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

// Store is a bounded ring of recent log lines, optionally mirrored to a JSON
// file so the admin log view survives restarts.
type Store struct {
	mu       sync.RWMutex
	path     string
	maxLines int
	entries  []Entry
	seq      uint64
	dirty    bool
	lastSave time.Time
	now      func() time.Time
}

func NewStore(path string, maxLines int) *Store {
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	s := &Store{
		path:     strings.TrimSpace(path),
		maxLines: maxLines,
		entries:  []Entry{},
		now:      time.Now,
	}
	if s.path != "" {
		s.load()
	}
	s.pruneLocked()
	return s
}

func (s *Store) Add(level, message, fields string, ts time.Time) {
	message = strings.TrimSpace(message)
	if message == "" {
		return
	}
	if ts.IsZero() {
		ts = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.entries = append(s.entries, Entry{
		ID:      s.seq,
		Time:    ts.UTC(),
		Level:   NormalizeLevel(level),
		Message: message,
		Fields:  strings.TrimSpace(fields),
	})
	s.pruneLocked()
	s.dirty = true
	_ = s.saveLocked(false)
}

// List returns matching entries newest first. A blank MinLevel keeps every
// level, debug included.
func (s *Store) List(f Filter) []Entry {
	minRank := 0
	if strings.TrimSpace(f.MinLevel) != "" {
		minRank = levelRank(NormalizeLevel(f.MinLevel))
	}
	query := strings.ToLower(strings.TrimSpace(f.Query))
	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, min(limit, len(s.entries)))
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.entries[i]
		if e.ID <= f.After {
			break
		}
		if levelRank(e.Level) < minRank {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(e.Message+" "+e.Fields), query) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = s.entries[:0]
	s.dirty = true
	return s.saveLocked(true)
}

// Flush writes pending entries regardless of the save throttle.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(true)
}

func (s *Store) load() {
	var p persisted
	if err := cache.LoadJSON(s.path, &p); err != nil {
		return
	}
	sort.Slice(p.Entries, func(i, j int) bool { return p.Entries[i].ID < p.Entries[j].ID })
	s.entries = p.Entries
	if n := len(s.entries); n > 0 {
		s.seq = s.entries[n-1].ID
	}
}

func (s *Store) pruneLocked() {
	if over := len(s.entries) - s.maxLines; over > 0 {
		s.entries = append([]Entry(nil), s.entries[over:]...)
	}
}

func (s *Store) saveLocked(force bool) error {
	if s.path == "" || !s.dirty {
		return nil
	}
	now := s.now()
	if !force && !s.lastSave.IsZero() && now.Sub(s.lastSave) < saveInterval {
		return nil
	}
	if err := cache.SaveJSON(s.path, persisted{Version: 1, Entries: append([]Entry(nil), s.entries...)}); err != nil {
		return fmt.Errorf("save log store: %w", err)
	}
	s.lastSave = now
	s.dirty = false
	return nil
}

// Writer returns an io.Writer that turns each written line into an entry. It
// understands the text, logfmt and json output of the gateway logger.
func (s *Store) Writer() io.Writer {
	return &sink{store: s}
}

type sink struct {
	store *Store
	mu    sync.Mutex
	buf   []byte
}

func (w *sink) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		line := stripANSI(string(bytes.TrimSpace(w.buf[:idx])))
		w.buf = w.buf[idx+1:]
		if line == "" {
			continue
		}
		level, msg, fields, ts := ParseLine(line)
		w.store.Add(level, msg, fields, ts)
	}
	return len(p), nil
}

// NormalizeLevel maps full and abbreviated level names to debug, info, warn,
// error or fatal. Unknown values become info.
func NormalizeLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace", "trac", "debug", "debu":
		return "debug"
	case "warn", "warning", "wrn":
		return "warn"
	case "error", "erro", "err":
		return "error"
	case "fatal", "fata":
		return "fatal"
	default:
		return "info"
	}
}

func levelRank(level string) int {
	switch level {
	case "debug":
		return 0
	case "warn":
		return 2
	case "error":
		return 3
	case "fatal":
		return 4
	default:
		return 1
	}
}

// ParseLine extracts level, message, trailing key/value fields and timestamp
// from one formatted log line.
func ParseLine(line string) (level, msg, fields string, ts time.Time) {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "{") {
		if level, msg, fields, ts, ok := parseJSONLine(line); ok {
			return level, msg, fields, ts
		}
	}
	if strings.Contains(line, "level=") {
		return parseLogfmtLine(line)
	}
	return parseTextLine(line)
}

func parseJSONLine(line string) (level, msg, fields string, ts time.Time, ok bool) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return "", "", "", time.Time{}, false
	}
	level, _ = raw["level"].(string)
	msg, _ = raw["msg"].(string)
	if t, ok := raw["time"].(string); ok {
		ts = parseTime(t)
	}
	delete(raw, "level")
	delete(raw, "msg")
	delete(raw, "time")
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, raw[k]))
	}
	return level, msg, strings.Join(parts, " "), ts, true
}

func parseLogfmtLine(line string) (level, msg, fields string, ts time.Time) {
	var rest []string
	for _, tok := range splitLogfmt(line) {
		k, v, found := strings.Cut(tok, "=")
		if !found {
			rest = append(rest, tok)
			continue
		}
		v = strings.Trim(v, `"`)
		switch k {
		case "level":
			level = v
		case "msg":
			msg = v
		case "time", "ts":
			ts = parseTime(v)
		default:
			rest = append(rest, tok)
		}
	}
	return level, msg, strings.Join(rest, " "), ts
}

// splitLogfmt splits on spaces outside double quotes.
func splitLogfmt(line string) []string {
	var out []string
	var cur strings.Builder
	quoted := false
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '\\' && quoted && i+1 < len(line):
			cur.WriteByte(c)
			i++
			cur.WriteByte(line[i])
		case c == '"':
			quoted = !quoted
			cur.WriteByte(c)
		case c == ' ' && !quoted:
			if cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteByte(c)
		}
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// parseTextLine handles "<date> <time> LEVEL message key=value...".
func parseTextLine(line string) (level, msg, fields string, ts time.Time) {
	toks := strings.Fields(line)
	i := 0
	if len(toks) >= 2 {
		if t := parseTime(toks[0] + " " + toks[1]); !t.IsZero() {
			ts = t
			i = 2
		}
	}
	if i == 0 && len(toks) >= 1 {
		if t := parseTime(toks[0]); !t.IsZero() {
			ts = t
			i = 1
		}
	}
	if i < len(toks) && isLevelToken(toks[i]) {
		level = toks[i]
		i++
	}
	var words, kv []string
	for _, tok := range toks[i:] {
		if len(kv) > 0 || (strings.Contains(tok, "=") && !strings.HasPrefix(tok, "=")) {
			kv = append(kv, tok)
			continue
		}
		words = append(words, tok)
	}
	msg = strings.Join(words, " ")
	if msg == "" {
		msg = strings.Join(kv, " ")
		kv = nil
	}
	return level, msg, strings.Join(kv, " "), ts
}

func isLevelToken(tok string) bool {
	switch strings.ToUpper(tok) {
	case "TRACE", "TRAC", "DEBUG", "DEBU", "INFO", "WARN", "WARNING", "ERROR", "ERRO", "FATAL", "FATA":
		return true
	}
	return false
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006/01/02 15:04:05",
	"2006-01-02 15:04:05",
}

func parseTime(v string) time.Time {
	v = strings.TrimSpace(v)
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, v, time.Local); err == nil {
			return t
		}
	}
	return time.Time{}
}

func stripANSI(s string) string {
	if !strings.Contains(s, "\x1b") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	inEsc := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if !inEsc {
			if ch == 0x1b {
				inEsc = true
				continue
			}
			b.WriteByte(ch)
			continue
		}
		if (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') {
			inEsc = false
		}
	}
	return b.String()
}
