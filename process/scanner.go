package process

import (
	"bufio"
	"io"
)

// ScanLines reads r line by line, calling f with each complete line. Lines
// longer than the reader's buffer are accumulated across reads rather than
// split, which is why this is done manually instead of with bufio.Scanner.
func ScanLines(r io.Reader, f func(line string)) error {
	reader := bufio.NewReader(r)
	var appending []byte

	for {
		line, isPrefix, err := reader.ReadLine()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		// A long line arrives in prefix chunks; buffer them until the
		// final chunk lands.
		if isPrefix && appending == nil {
			// ReadLine's slice is only valid until the next call,
			// so take a copy with room to grow.
			appending = make([]byte, len(line), cap(line)*2)
			copy(appending, line)
			continue
		}

		if appending != nil {
			appending = append(appending, line...)
			if isPrefix {
				continue
			}
			line = appending
			appending = nil
		}

		f(string(line))
	}
}
