// Package tracefeed streams live trace snapshots from a tracer over websocket.
package tracefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"memlearn/internal/features"
)

var ErrMissingSlice = errors.New("frame has no slice")

// Frame is one snapshot of accessed pages, in the same nesting as a trace file slice.
type Frame struct {
	Seq   int64          `json:"seq"`
	Slice features.Slice `json:"slice"`
	At    time.Time      `json:"-"`
}

// MetricsInterface receives feed counters.
type MetricsInterface interface {
	FeedReconnectsInc()
	FramesReceivedInc()
}

type WS struct {
	url     string
	ping    time.Duration
	metrics MetricsInterface
}

func NewWS(u string, ping time.Duration, metrics MetricsInterface) WS {
	if ping <= 0 {
		ping = 15 * time.Second
	}
	return WS{url: u, ping: ping, metrics: metrics}
}

// Stream reads frames until ctx is done, reconnecting with exponential backoff.
func (w WS) Stream(ctx context.Context, out chan<- Frame, errs chan<- error) error {
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		received, err := w.streamOnce(ctx, out, errs)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if received > 0 {
			backoff = time.Second
		}
		log.Warn().Err(err).Dur("backoff", backoff).Msg("Trace feed disconnected, reconnecting")
		report(errs, fmt.Errorf("feed reconnect: %w", err))
		if w.metrics != nil {
			w.metrics.FeedReconnectsInc()
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (w WS) streamOnce(ctx context.Context, out chan<- Frame, errs chan<- error) (int, error) {
	log.Info().Str("url", w.url).Msg("Connecting to trace feed")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return 0, fmt.Errorf("dial failed: %w", err)
	}
	defer func() {
		conn.Close()
		log.Debug().Msg("Trace feed connection closed")
	}()

	// Snapshots of a busy guest can hold thousands of pages
	conn.SetReadLimit(8 << 20)
	readTimeout := 4 * w.ping
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	// ReadMessage blocks, so reads run on their own goroutine
	msgs := make(chan []byte)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case msgs <- msg:
			case <-done:
				return
			}
		}
	}()

	pingTicker := time.NewTicker(w.ping)
	defer pingTicker.Stop()

	received := 0
	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return received, ctx.Err()
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return received, fmt.Errorf("ping failed: %w", err)
			}
		case err := <-readErr:
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info().Msg("Trace feed closed by tracer")
			}
			return received, fmt.Errorf("read message failed: %w", err)
		case msg := <-msgs:
			conn.SetReadDeadline(time.Now().Add(readTimeout))
			frame, err := ParseFrame(msg)
			if err != nil {
				log.Debug().Err(err).Int("bytes", len(msg)).Msg("Failed to parse frame")
				report(errs, fmt.Errorf("parse frame: %w", err))
				continue
			}
			received++
			if w.metrics != nil {
				w.metrics.FramesReceivedInc()
			}
			select {
			case out <- frame:
			case <-ctx.Done():
				return received, ctx.Err()
			}
		}
	}
}

// ParseFrame decodes one feed message.
func ParseFrame(msg []byte) (Frame, error) {
	var raw struct {
		Seq   *int64          `json:"seq"`
		Slice json.RawMessage `json:"slice"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return Frame{}, err
	}
	if raw.Seq == nil {
		return Frame{}, fmt.Errorf("frame has no seq")
	}
	if len(raw.Slice) == 0 || string(raw.Slice) == "null" {
		return Frame{}, fmt.Errorf("%w: seq %d", ErrMissingSlice, *raw.Seq)
	}
	f := Frame{Seq: *raw.Seq, At: time.Now()}
	if err := json.Unmarshal(raw.Slice, &f.Slice); err != nil {
		return Frame{}, fmt.Errorf("seq %d: %w", *raw.Seq, err)
	}
	return f, nil
}

func report(errs chan<- error, err error) {
	if errs == nil {
		return
	}
	select {
	case errs <- err:
	default:
	}
}
