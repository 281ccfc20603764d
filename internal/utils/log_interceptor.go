package utils

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
	"sync/atomic"
	"time"
)

// LogInterceptor is an io.Writer that prefixes every complete line with a
// sequence number and timestamp before forwarding it to the target writer.
// The scraper's file log goes through one of these so interleaved restarts
// remain orderable.
type LogInterceptor struct {
	target io.Writer
	seq    atomic.Uint64
	buf    bytes.Buffer
}

func NewLogInterceptor(target io.Writer) *LogInterceptor {
	return &LogInterceptor{target: target}
}

func (i *LogInterceptor) writeFormattedLine(line []byte) (int, error) {
	total := 0

	prefix := slog.Uint64("line", i.seq.Add(1)).String() + " " +
		slog.String("time", time.Now().Format(time.RFC3339)).String() + " "
	n, err := io.WriteString(i.target, prefix)
	total += n
	if err != nil {
		return total, err
	}

	n, err = i.target.Write(line)
	total += n
	if err != nil {
		return total, err
	}
	n, err = io.WriteString(i.target, "\n")
	total += n
	return total, err
}

// Write buffers p and forwards each complete line with its prefix. Partial
// lines stay buffered until more input or Close.
func (i *LogInterceptor) Write(p []byte) (n int, err error) {
	if _, err := i.buf.Write(p); err != nil {
		return 0, err
	}

	total := 0
	scanner := bufio.NewScanner(&i.buf)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		n, err := i.writeFormattedLine(scanner.Bytes())
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Close flushes any trailing partial line.
func (i *LogInterceptor) Close() error {
	if i.buf.Len() == 0 {
		return nil
	}
	remaining := i.buf.Bytes()
	i.buf.Reset()
	_, err := i.writeFormattedLine(bytes.TrimRight(remaining, "\n"))
	return err
}
