// Package sse reads Server-Sent Events frames from a response body.
package sse

import (
	"bufio"
	"io"
	"strings"
)

// MaxLineSize caps a single frame line. A done frame carries the whole
// generated message, so this sits well above any provider output limit.
const MaxLineSize = 64 << 20

// Event is one dispatched SSE frame.
type Event struct {
	Event string // "event:" field, empty for data-only frames
	Data  string // "data:" lines joined with "\n"
	ID    string
}

type Reader struct {
	scanner *bufio.Scanner
	body    io.ReadCloser
}

func NewReader(body io.ReadCloser) *Reader {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	return &Reader{scanner: sc, body: body}
}

// Next returns the next event, or io.EOF once the stream ends.
func (r *Reader) Next() (*Event, error) {
	var ev Event
	var hasData bool

	for r.scanner.Scan() {
		line := r.scanner.Text()

		if line == "" {
			if hasData {
				return &ev, nil
			}
			ev = Event{}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value := parseLine(line)
		switch field {
		case "data":
			if hasData {
				ev.Data += "\n" + value
			} else {
				ev.Data = value
				hasData = true
			}
		case "event":
			ev.Event = value
		case "id":
			ev.ID = value
		}
	}

	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	if hasData {
		return &ev, nil
	}
	return nil, io.EOF
}

func (r *Reader) Close() error { return r.body.Close() }

func parseLine(line string) (field, value string) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return line, ""
	}
	field = line[:idx]
	value = line[idx+1:]
	if value != "" && value[0] == ' ' {
		value = value[1:]
	}
	return field, value
}
