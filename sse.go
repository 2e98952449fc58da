package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type flushWriter struct {
	w             http.ResponseWriter
	f             http.Flusher
	flushInterval time.Duration
	lastFlush     time.Time
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	now := time.Now()
	if fw.flushInterval <= 0 || fw.lastFlush.IsZero() || now.Sub(fw.lastFlush) >= fw.flushInterval {
		fw.f.Flush()
		fw.lastFlush = now
	}
	return n, err
}

type chunkDelta struct {
	Role             string `json:"role,omitempty"`
	Content          string `json:"content,omitempty"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type streamChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
}

// streamWriter emits chat.completion.chunk frames. Exactly one terminal
// frame (content + finish_reason, or an error object) is written per
// stream; everything after the first terminal is dropped.
type streamWriter struct {
	fw         *flushWriter
	id         string
	model      string
	created    int64
	terminated bool
}

// newStreamWriter opens the SSE response. flushInterval throttles flushes
// between frames; zero flushes on every write.
func newStreamWriter(w http.ResponseWriter, model string, flushInterval time.Duration) (*streamWriter, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	now := time.Now()
	return &streamWriter{
		fw:      &flushWriter{w: w, f: f, flushInterval: flushInterval},
		id:      fmt.Sprintf("chatcmpl-%d", now.Unix()),
		model:   model,
		created: now.Unix(),
	}, nil
}

func (s *streamWriter) writeEvent(v any) {
	buf, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(s.fw, "data: %s\n\n", buf)
}

func (s *streamWriter) chunk(delta chunkDelta, finish *string) streamChunk {
	return streamChunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []chunkChoice{{Delta: delta, FinishReason: finish}},
	}
}

// role opens the stream with the assistant role delta.
func (s *streamWriter) role() {
	if s.terminated {
		return
	}
	s.writeEvent(s.chunk(chunkDelta{Role: "assistant"}, nil))
}

// progress emits a status line as reasoning content while a job runs.
func (s *streamWriter) progress(text string) {
	if s.terminated {
		return
	}
	s.writeEvent(s.chunk(chunkDelta{ReasoningContent: text}, nil))
}

// finish writes the terminal content chunk followed by [DONE].
func (s *streamWriter) finish(content string) {
	if s.terminated {
		return
	}
	s.terminated = true
	stop := "stop"
	s.writeEvent(s.chunk(chunkDelta{Content: content}, &stop))
	s.done()
}

// fail writes the terminal error payload followed by [DONE].
func (s *streamWriter) fail(message string) {
	if s.terminated {
		return
	}
	s.terminated = true
	s.writeEvent(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "invalid_request_error",
			"code":    "generation_failed",
		},
	})
	s.done()
}

func (s *streamWriter) done() {
	fmt.Fprint(s.fw, "data: [DONE]\n\n")
	s.fw.f.Flush()
}

// renderResult formats generated media URLs as the terminal chat content.
func renderResult(kind jobKind, urls []string) string {
	var out string
	for i, u := range urls {
		if i > 0 {
			out += "\n\n"
		}
		if kind.isVideo() {
			out += fmt.Sprintf("<video src='%s' controls style='max-width:100%%'></video>", u)
		} else {
			out += fmt.Sprintf("![Generated Image](%s)", u)
		}
	}
	return out
}
