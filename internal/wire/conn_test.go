package wire

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/coder/websocket"
)

func TestConnRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer ws.CloseNow()

		// Echo frames back with from/to swapped.
		for {
			_, data, err := ws.Read(r.Context())
			if err != nil {
				return
			}
			f, err := ParseFrame(data)
			if err != nil {
				t.Errorf("server decode: %v", err)
				return
			}
			f.From, f.To = f.To, f.From
			if err := ws.Write(r.Context(), websocket.MessageBinary, f.Marshal()); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, err := Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	out := &Frame{
		From:     "alice@example.com",
		To:       "bob@example.com",
		Envelope: sampleEnvelope().Marshal(),
	}
	if err := conn.WriteFrame(ctx, out); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	in, err := conn.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if in.From != "bob@example.com" || in.To != "alice@example.com" {
		t.Fatalf("addressing not swapped: %+v", in)
	}
}

func TestFramesIterator(t *testing.T) {
	const count = 3
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		for i := 0; i < count; i++ {
			f := &Frame{From: "peer@example.com", Envelope: sampleEnvelope().Marshal()}
			if err := ws.Write(r.Context(), websocket.MessageBinary, f.Marshal()); err != nil {
				return
			}
		}
		ws.Close(websocket.StatusNormalClosure, "")
	}))
	defer srv.Close()

	ctx := context.Background()
	conn, err := Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.CloseNow()

	var got int
	for f, err := range conn.Frames(ctx) {
		if err != nil {
			break
		}
		if f.From != "peer@example.com" {
			t.Fatalf("from = %q", f.From)
		}
		got++
	}
	if got != count {
		t.Fatalf("received %d frames, want %d", got, count)
	}
}
