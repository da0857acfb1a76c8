package provider

import "bytes"

var (
	dataPrefix  = []byte("data:")
	eventPrefix = []byte("event:")
	doneMarker  = []byte("[DONE]")
)

// SSEData returns the payload of a "data:" line. It reports false for other
// lines, empty payloads and the [DONE] sentinel.
func SSEData(line []byte) ([]byte, bool) {
	line = bytes.TrimRight(line, "\r")
	if !bytes.HasPrefix(line, dataPrefix) {
		return nil, false
	}
	payload := bytes.TrimSpace(line[len(dataPrefix):])
	if len(payload) == 0 || bytes.Equal(payload, doneMarker) {
		return nil, false
	}
	return payload, true
}

// SSEEvent returns the event name of an "event:" line.
func SSEEvent(line []byte) (string, bool) {
	line = bytes.TrimRight(line, "\r")
	if !bytes.HasPrefix(line, eventPrefix) {
		return "", false
	}
	return string(bytes.TrimSpace(line[len(eventPrefix):])), true
}
