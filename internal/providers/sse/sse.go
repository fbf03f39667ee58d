package sse

import (
	"bufio"
	"bytes"
	"io"
)

const maxLine = 1 << 20

var doneMarker = []byte("[DONE]")

// Scan reads server-sent events from r and calls fn once per dispatched event with
// the event name (possibly empty) and its data. It returns nil when the stream ends
// or a "[DONE]" data line arrives.
func Scan(r io.Reader, fn func(event, data []byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)

	var event []byte
	var data [][]byte
	dispatch := func() error {
		if len(data) == 0 {
			event = nil
			return nil
		}
		payload := bytes.Join(data, []byte("\n"))
		name := event
		event, data = nil, nil
		return fn(name, payload)
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			if err := dispatch(); err != nil {
				return err
			}
			continue
		}
		if line[0] == ':' {
			continue
		}

		field, value := splitField(line)
		switch string(field) {
		case "event":
			event = append([]byte(nil), value...)
		case "data":
			if bytes.Equal(value, doneMarker) {
				return nil
			}
			data = append(data, append([]byte(nil), value...))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return dispatch()
}

func splitField(line []byte) (field, value []byte) {
	idx := bytes.IndexByte(line, ':')
	if idx < 0 {
		return line, nil
	}
	value = line[idx+1:]
	if len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}
	return line[:idx], value
}
