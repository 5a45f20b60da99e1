// Package streamio copies the error stream of child processes to our own, tagging each line with the
// name of the tool that wrote it.
package streamio

import (
	"bytes"
	"io"
	"sync"
)

// PrefixWriter writes every line it receives to the underlying writer, preceded by a prefix. Partial
// lines are passed through as they arrive; the prefix is only emitted at the start of a line.
type PrefixWriter struct {
	mu        sync.Mutex
	w         io.Writer
	prefix    []byte
	lineStart bool
}

func NewPrefixWriter(w io.Writer, prefix string) *PrefixWriter {
	return &PrefixWriter{w: w, prefix: []byte(prefix), lineStart: true}
}

func (p *PrefixWriter) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var buf bytes.Buffer
	rest := b
	for len(rest) > 0 {
		if p.lineStart {
			buf.Write(p.prefix)
			p.lineStart = false
		}

		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			buf.Write(rest)
			break
		}
		buf.Write(rest[:i+1])
		rest = rest[i+1:]
		p.lineStart = true
	}

	if _, err := p.w.Write(buf.Bytes()); err != nil {
		return 0, err
	}
	return len(b), nil
}
