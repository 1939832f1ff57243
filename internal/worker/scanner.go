package worker

import (
	"bufio"
	"io"
)

// newLineScanner builds a line scanner with a buffer sized for large tool
// results.
func newLineScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)
	return scanner
}
