package transport

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var errLineTooLong = errors.New("line too long")

func writeJSONLine(writer *bufio.Writer, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := writer.Write(data); err != nil {
		return err
	}
	if err := writer.WriteByte('\n'); err != nil {
		return err
	}
	return writer.Flush()
}

// readLine returns the next trimmed line. Lines longer than max are consumed
// and reported with errLineTooLong so the caller can skip them.
func readLine(reader *bufio.Reader, max int) ([]byte, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := reader.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) && len(buf) > 0 {
				return bytes.TrimSpace(buf), nil
			}
			return nil, err
		}
		if len(buf)+len(chunk) > max {
			for isPrefix {
				if _, isPrefix, err = reader.ReadLine(); err != nil {
					return nil, err
				}
			}
			return nil, fmt.Errorf("%w (> %d bytes)", errLineTooLong, max)
		}
		buf = append(buf, chunk...)
		if !isPrefix {
			return bytes.TrimSpace(buf), nil
		}
	}
}
