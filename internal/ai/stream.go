package ai

import (
	"bytes"
	"encoding/json"

	"go.uber.org/zap"
)

// StreamDecoder incrementally decodes newline-delimited JSON. Output does not depend on how the input is split
// into chunks.
type StreamDecoder struct {
	buf     []byte
	logger  *zap.Logger
	skipped int
}

// NewStreamDecoder returns an empty decoder.
func NewStreamDecoder(logger *zap.Logger) *StreamDecoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamDecoder{logger: logger}
}

// Feed appends chunk and returns the text of every complete line it finished.
func (d *StreamDecoder) Feed(chunk []byte) []string {
	d.buf = append(d.buf, chunk...)
	i := bytes.LastIndexByte(d.buf, '\n')
	if i < 0 {
		return nil
	}
	complete := d.buf[:i]
	var out []string
	for line := range bytes.SplitSeq(complete, []byte{'\n'}) {
		if text, ok := d.parse(line); ok {
			out = append(out, text)
		}
	}
	d.buf = append(d.buf[:0], d.buf[i+1:]...)
	return out
}

// Finish parses whatever remains after the last newline.
func (d *StreamDecoder) Finish() []string {
	rest := d.buf
	d.buf = nil
	if text, ok := d.parse(rest); ok {
		return []string{text}
	}
	return nil
}

// Skipped is the number of malformed lines discarded so far.
func (d *StreamDecoder) Skipped() int { return d.skipped }

type streamLine struct {
	Text       string `json:"text"`
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

func (d *StreamDecoder) parse(line []byte) (string, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return "", false
	}
	var l streamLine
	if err := json.Unmarshal(line, &l); err != nil {
		d.skipped++
		d.logger.Warn("ai: skipping malformed stream line", zap.Int("bytes", len(line)), zap.Error(err))
		return "", false
	}
	if l.Text != "" {
		return l.Text, true
	}
	var b bytes.Buffer
	for _, c := range l.Candidates {
		for _, p := range c.Content.Parts {
			b.WriteString(p.Text)
		}
	}
	if b.Len() == 0 {
		return "", false
	}
	return b.String(), true
}
