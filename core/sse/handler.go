package sse

import (
	"errors"
	"time"

	"github.com/searchktools/h1server/core/http"
)

// ClientIDHeader carries the subscriber ID back to the client.
const ClientIDHeader = "X-SSE-Client-ID"

var keepaliveComment = []byte(": keepalive\n\n")

// Handler subscribes the caller under a fresh server-generated ID and
// streams events until the client disconnects or the broker closes. The
// ID is sent in ClientIDHeader and in the connected event; nothing the
// client sends can name another subscriber.
func (b *Broker) Handler() http.Handler {
	return func(req *http.Request) (*http.Response, error) {
		c, err := b.Subscribe(NewClientID())
		if err != nil {
			if errors.Is(err, ErrTooManyClients) || errors.Is(err, ErrBrokerClosed) {
				return nil, &http.StatusError{Status: http.StatusServiceUnavailable, Message: err.Error(), Err: err}
			}
			return nil, err
		}

		resp := http.NewResponse(http.StatusOK)
		resp.SetHeader(http.HeaderContentType, "text/event-stream")
		resp.SetHeader(http.HeaderCacheControl, "no-cache")
		resp.SetHeader("X-Accel-Buffering", "no")
		resp.SetHeader(ClientIDHeader, c.ID)
		if req.Method == http.MethodHead {
			b.Unsubscribe(c)
			return resp, nil
		}
		resp.SetStream(b.stream(c))
		return resp, nil
	}
}

func (b *Broker) stream(c *Client) http.ChunkSource {
	return func(emit func([]byte) error) error {
		defer b.Unsubscribe(c)

		buf := AppendEvent(nil, &Event{Event: "connected", Data: "client_id:" + c.ID})
		if err := emit(buf); err != nil {
			return err
		}

		ticker := time.NewTicker(b.cfg.Keepalive)
		defer ticker.Stop()
		for {
			select {
			case ev := <-c.events:
				buf = AppendEvent(buf[:0], ev)
				if err := emit(buf); err != nil {
					return err
				}
			case <-ticker.C:
				if err := emit(keepaliveComment); err != nil {
					return err
				}
			case <-c.closeCh:
				return nil
			}
		}
	}
}
