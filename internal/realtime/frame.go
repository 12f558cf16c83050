package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"github.com/gorilla/websocket"

	"github.com/capitalize-ai/chat-relay/internal/model"
)

// errFrameTooLarge is returned by readFrame for a frame over the limit. The
// frame has been consumed and the connection is still usable.
var errFrameTooLarge = errors.New("frame exceeds read limit")

// readFrame reads the next data frame, keeping at most limit bytes in
// memory. An oversized frame is drained and returned truncated together
// with errFrameTooLarge.
func readFrame(ws *websocket.Conn, limit int64) ([]byte, error) {
	_, r, err := ws.NextReader()
	if err != nil {
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) <= limit {
		return data, nil
	}

	if _, err := io.Copy(io.Discard, r); err != nil {
		return nil, err
	}
	return data[:limit], errFrameTooLarge
}

// leadingFrameType extracts the envelope type from the start of a possibly
// truncated frame. It returns "" when the type key is not found before the
// data runs out.
func leadingFrameType(prefix []byte) model.FrameType {
	dec := json.NewDecoder(bytes.NewReader(prefix))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return ""
	}

	for dec.More() {
		key, err := dec.Token()
		if err != nil {
			return ""
		}
		if key == "type" {
			val, err := dec.Token()
			if err != nil {
				return ""
			}
			s, _ := val.(string)
			return model.FrameType(s)
		}
		if err := skipValue(dec); err != nil {
			return ""
		}
	}
	return ""
}

// skipValue consumes one JSON value from dec.
func skipValue(dec *json.Decoder) error {
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		switch tok {
		case json.Delim('{'), json.Delim('['):
			depth++
		case json.Delim('}'), json.Delim(']'):
			depth--
		}
		if depth == 0 {
			return nil
		}
	}
}
