package node

import (
	"bufio"
	"context"
	"io"
	"strings"

	"go.uber.org/zap"
)

// MaxLineSize is the longest console line ReadLines accepts.
const MaxLineSize = 1 << 20

// ReadLines streams lines from r until EOF, a read error or ctx is done.
// The channel is closed when reading stops; read errors, including a line
// longer than MaxLineSize, are logged first.
func ReadLines(ctx context.Context, r io.Reader, logger *zap.Logger) <-chan string {
	if logger == nil {
		logger = zap.NewNop()
	}
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
		for scanner.Scan() {
			select {
			case lines <- strings.TrimSuffix(scanner.Text(), "\r"):
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			logger.Error("console input stopped", zap.Error(err))
		}
	}()
	return lines
}
