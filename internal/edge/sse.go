package edge

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
)

// maxEventLine is the longest SSE line accepted, terminator included. Bulk
// feature payloads arrive as one data line and can be large.
const maxEventLine = 1 << 20

const readBufferSize = 64 << 10

var errLineTooLong = errors.New("sse line exceeds limit")

type event struct {
	ID   string
	Type string
	Data []byte
}

// eventReader implements the subset of the SSE format the edge emits:
// id, event and data fields, comment lines, blank-line dispatch and
// multi-line data concatenation.
type eventReader struct {
	r *bufio.Reader
}

func newEventReader(r io.Reader) *eventReader {
	return &eventReader{r: bufio.NewReaderSize(r, readBufferSize)}
}

// readLine returns the next line including its terminator. It fails with
// errLineTooLong before buffering more than maxEventLine bytes.
func (er *eventReader) readLine() (string, error) {
	var buf []byte
	for {
		chunk, err := er.r.ReadSlice('\n')
		if len(buf)+len(chunk) > maxEventLine {
			return "", errLineTooLong
		}
		switch {
		case err == nil:
			if buf == nil {
				return string(chunk), nil
			}
			return string(append(buf, chunk...)), nil
		case errors.Is(err, bufio.ErrBufferFull):
			buf = append(buf, chunk...)
		default:
			return "", err
		}
	}
}

// Next blocks until a complete event has been read. A partial event at end of
// stream is discarded and io.EOF returned.
func (er *eventReader) Next() (event, error) {
	var (
		ev      event
		data    bytes.Buffer
		hasData bool
	)

	for {
		line, err := er.readLine()
		if err != nil {
			if err == io.EOF {
				return event{}, io.EOF
			}
			return event{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if !hasData {
				ev = event{}
				continue
			}
			if ev.Type == "" {
				ev.Type = "message"
			}
			ev.Data = data.Bytes()
			return ev, nil
		case strings.HasPrefix(line, ":"):
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "id":
				ev.ID = value
			case "event":
				ev.Type = value
			case "data":
				if hasData {
					data.WriteByte('\n')
				}
				data.WriteString(value)
				hasData = true
			}
		}
	}
}
