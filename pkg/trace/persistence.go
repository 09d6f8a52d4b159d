package trace

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/maghams62/auto-mac/internal/utils"
)

// fileHeader is the first line of a session file.
type fileHeader struct {
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists sessions as one JSONL file each: a header line followed by
// one line per interaction. Writes go to a temp file and rename into place,
// so a crash mid-write leaves the previous file intact; reads discard any
// corrupt trailing records rather than repairing them.
type Store struct {
	dir    string
	logger utils.ExtendedLogger
}

// NewStore creates a store rooted at dir.
func NewStore(dir string, logger utils.ExtendedLogger) *Store {
	return &Store{dir: dir, logger: logger}
}

func (st *Store) path(sessionID string) string {
	// Session ids are opaque; sanitize anything path-hostile.
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, sessionID)
	return filepath.Join(st.dir, safe+".jsonl")
}

// Save writes the full session file atomically.
func (st *Store) Save(header fileHeader, lines [][]byte) error {
	if err := os.MkdirAll(st.dir, 0755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	var buf bytes.Buffer
	headerLine, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to encode session header: %w", err)
	}
	buf.Write(headerLine)
	buf.WriteByte('\n')
	for _, line := range lines {
		buf.Write(line)
		buf.WriteByte('\n')
	}

	target := st.path(header.SessionID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("failed to replace session file: %w", err)
	}
	return nil
}

// Load rebuilds a session from its file. Returns (nil, nil) when no file
// exists. Partial or corrupt trailing records are dropped with a warning.
func (st *Store) Load(sessionID string) (*Session, error) {
	file, err := os.Open(st.path(sessionID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	if !scanner.Scan() {
		return nil, fmt.Errorf("session file for %s is empty", sessionID)
	}
	var header fileHeader
	if err := json.Unmarshal(scanner.Bytes(), &header); err != nil {
		return nil, fmt.Errorf("session file for %s has a corrupt header: %w", sessionID, err)
	}

	session := &Session{ID: header.SessionID, CreatedAt: header.CreatedAt}
	lineNo := 1
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		in := &Interaction{}
		if err := json.Unmarshal(line, in); err != nil {
			st.logger.Warnf("session %s: discarding corrupt record at line %d and everything after it: %v", sessionID, lineNo, err)
			break
		}
		session.Interactions = append(session.Interactions, in)
	}
	if err := scanner.Err(); err != nil {
		st.logger.Warnf("session %s: stopped reading after line %d: %v", sessionID, lineNo, err)
	}
	return session, nil
}
