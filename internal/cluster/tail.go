package cluster

import (
	"bytes"
	"io"
	"os"
)

// TailFile reads at most budgetBytes from the end of path, then drops a
// partial first line so the returned text always starts at a line
// boundary. A file smaller than the budget is returned whole. Memory use
// is bounded by budgetBytes regardless of the file's actual size — this
// is the "file-tail reader" spec §9 calls out as needing bounded reads.
func TailFile(path string, budgetBytes int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	size := info.Size()

	start := int64(0)
	trimPartialLine := false
	if size > budgetBytes {
		start = size - budgetBytes
		trimPartialLine = true
	}

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return "", err
	}
	buf := make([]byte, size-start)
	if _, err := io.ReadFull(f, buf); err != nil && err != io.EOF {
		return "", err
	}

	if trimPartialLine {
		if idx := bytes.IndexByte(buf, '\n'); idx >= 0 {
			buf = buf[idx+1:]
		} else {
			// No newline in the window at all: nothing safely whole to return.
			buf = nil
		}
	}
	return string(buf), nil
}

// LastNLines returns at most n trailing lines from text, preserving order.
func LastNLines(text string, n int) []string {
	if n <= 0 {
		return nil
	}
	lines := splitLines(text)
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
