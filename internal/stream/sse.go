package stream

import (
	"bufio"
	"io"
	"strings"
)

const maxEventSize = 1024 * 1024

type event struct {
	Type string
	ID   string
	Data string
}

// readEvents parses a text/event-stream body and calls fn for every
// dispatched event until fn returns false or the body ends. A clean end of
// body returns nil; an event left undispatched at EOF is dropped.
func readEvents(r io.Reader, fn func(event) bool) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxEventSize)

	var (
		ev      event
		data    strings.Builder
		hasData bool
	)
	for sc.Scan() {
		line := sc.Text()

		if line == "" {
			if hasData {
				ev.Data = strings.TrimSuffix(data.String(), "\n")
				if !fn(ev) {
					return nil
				}
			}
			ev = event{}
			data.Reset()
			hasData = false
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			data.WriteString(value)
			data.WriteByte('\n')
			hasData = true
		case "event":
			ev.Type = value
		case "id":
			ev.ID = value
		}
	}
	return sc.Err()
}
