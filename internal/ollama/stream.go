package ollama

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"chat-relay/internal/models"
)

// Stream decodes the NDJSON body of a streaming /api/chat response.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	history *History
	turn    models.ChatMessage
	content strings.Builder
	done    bool
	once    sync.Once
}

func newStream(body io.ReadCloser, history *History, turn models.ChatMessage) *Stream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Stream{
		body:    body,
		scanner: scanner,
		history: history,
		turn:    turn,
	}
}

// Next returns the next non-empty fragment. Frames without content are
// skipped; the final frame's content, if any, is returned before io.EOF.
func (s *Stream) Next() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var frame chatFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			return Chunk{}, fmt.Errorf("decode stream chunk: %w", err)
		}
		if frame.Error != "" {
			return Chunk{}, fmt.Errorf("ollama error: %s", frame.Error)
		}
		role := frame.Message.Role
		if role == "" {
			role = models.RoleAssistant
		}
		s.content.WriteString(frame.Message.Content)
		if frame.Done {
			s.finish()
			if frame.Message.Content == "" {
				return Chunk{}, io.EOF
			}
		} else if frame.Message.Content == "" {
			continue
		}
		return Chunk{Role: role, Content: frame.Message.Content}, nil
	}
	if err := s.scanner.Err(); err != nil {
		return Chunk{}, fmt.Errorf("read stream: %w", err)
	}
	return Chunk{}, fmt.Errorf("read stream: %w", io.ErrUnexpectedEOF)
}

func (s *Stream) finish() {
	s.done = true
	s.history.Append(s.turn, models.AssistantMessage(s.content.String()))
}

// Close releases the response body without draining it.
func (s *Stream) Close() error {
	var err error
	s.once.Do(func() {
		err = s.body.Close()
	})
	return err
}
