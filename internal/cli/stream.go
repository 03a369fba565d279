package cli

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// ErrStopStream ends ReadEvents without an error when returned by a handler.
var ErrStopStream = errors.New("stop stream")

// StreamEvent is one server-sent event frame.
type StreamEvent struct {
	ID   string
	Name string
	Data string
}

// ReadEvents parses server-sent events from r and hands each complete frame
// to fn. Comment lines such as keep-alive pings are skipped. It returns nil
// at end of stream or when fn returns ErrStopStream.
func ReadEvents(r io.Reader, fn func(StreamEvent) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)

	var (
		evt  StreamEvent
		data []string
		seen bool
	)
	dispatch := func() error {
		if !seen {
			return nil
		}
		evt.Data = strings.Join(data, "\n")
		if evt.Name == "" {
			evt.Name = "message"
		}
		err := fn(evt)
		evt, data, seen = StreamEvent{}, nil, false
		return err
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if err := dispatch(); err != nil {
				if errors.Is(err, ErrStopStream) {
					return nil
				}
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			evt.Name = value
			seen = true
		case "data":
			data = append(data, value)
			seen = true
		case "id":
			evt.ID = value
			seen = true
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if err := dispatch(); err != nil && !errors.Is(err, ErrStopStream) {
		return err
	}
	return nil
}
