package wire

import (
	"context"
	"crypto/tls"
	"fmt"
	"iter"
	"net/http"

	"github.com/coder/websocket"
)

// Conn wraps a WebSocket connection with frame codec on top.
type Conn struct {
	ws *websocket.Conn
}

// Dial opens a WebSocket connection to the given URL. If tlsConf is
// non-nil it is used for the TLS handshake. Optional HTTP headers are
// added to the upgrade request.
func Dial(ctx context.Context, url string, tlsConf *tls.Config, headers ...http.Header) (*Conn, error) {
	opts := &websocket.DialOptions{}
	if tlsConf != nil {
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: tlsConf,
			},
		}
	}
	if len(headers) > 0 {
		opts.HTTPHeader = headers[0]
	}
	ws, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("wire: dial: %w", err)
	}
	return &Conn{ws: ws}, nil
}

// ReadFrame reads and decodes the next frame from the connection.
func (c *Conn) ReadFrame(ctx context.Context) (*Frame, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("wire: read: %w", err)
	}
	f, err := ParseFrame(data)
	if err != nil {
		return nil, fmt.Errorf("wire: decode frame: %w", err)
	}
	return f, nil
}

// WriteFrame encodes and sends a frame.
func (c *Conn) WriteFrame(ctx context.Context, f *Frame) error {
	if err := c.ws.Write(ctx, websocket.MessageBinary, f.Marshal()); err != nil {
		return fmt.Errorf("wire: write: %w", err)
	}
	return nil
}

// Frames yields incoming frames until the context is cancelled or the
// connection fails; the terminal error is yielded with a nil frame.
func (c *Conn) Frames(ctx context.Context) iter.Seq2[*Frame, error] {
	return func(yield func(*Frame, error) bool) {
		for {
			f, err := c.ReadFrame(ctx)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(f, nil) {
				return
			}
		}
	}
}

// Close sends a normal closure frame and then closes the connection.
func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

// CloseNow closes the connection immediately without a close frame.
func (c *Conn) CloseNow() error {
	return c.ws.CloseNow()
}
