// Command feeder streams Ogg/Opus audio to the ingestion service the way a
// kiosk does: arbitrary-sized slices at a steady pace, followed by an end
// marker. Segment and transcript notifications are printed as they arrive.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/hraban/opus"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/kiosk-audio-service/internal/protocol"
)

const (
	opusRate      = 48000
	opusFrameSize = 960 // 20 ms at 48 kHz
)

type options struct {
	transport string
	url       string
	addr      string
	clientID  string
	file      string
	seconds   int
	maxChunk  int
	interval  time.Duration
	seed      int64
}

func main() {
	var opts options
	flag.StringVar(&opts.transport, "transport", "ws", "Transport to use: ws or tcp")
	flag.StringVar(&opts.url, "url", "ws://127.0.0.1:8000/api/audio/ws/", "WebSocket endpoint prefix")
	flag.StringVar(&opts.addr, "addr", "127.0.0.1:4444", "TCP ingest address")
	flag.StringVar(&opts.clientID, "id", "kiosk-feeder", "Client identifier")
	flag.StringVar(&opts.file, "file", "", "Ogg/Opus file to stream; a synthetic utterance pattern is used when empty")
	flag.IntVar(&opts.seconds, "seconds", 6, "Length of the synthetic stream")
	flag.IntVar(&opts.maxChunk, "max-chunk", 1500, "Largest slice sent in one message")
	flag.DurationVar(&opts.interval, "interval", 20*time.Millisecond, "Pause between slices")
	flag.Int64Var(&opts.seed, "seed", time.Now().UnixNano(), "Seed for slice sizes")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	data, err := loadAudio(opts)
	if err != nil {
		logger.Error("Failed to prepare audio", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Audio prepared", slog.Int("bytes", len(data)), slog.String("transport", opts.transport))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch opts.transport {
	case "ws":
		err = feedWebSocket(ctx, logger, opts, data)
	case "tcp":
		err = feedTCP(ctx, logger, opts, data)
	default:
		err = fmt.Errorf("unknown transport %q", opts.transport)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Feeder failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Stream finished")
}

func loadAudio(opts options) ([]byte, error) {
	if opts.file != "" {
		return os.ReadFile(opts.file)
	}
	return synthesize(opts.seconds)
}

// synthesize encodes alternating bursts of tone and silence, which the
// energy detector reports as one segment per burst.
func synthesize(seconds int) ([]byte, error) {
	enc, err := opus.NewEncoder(opusRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}

	var buf bytes.Buffer
	w, err := oggwriter.NewWith(&buf, opusRate, 1)
	if err != nil {
		return nil, fmt.Errorf("create ogg writer: %w", err)
	}

	pcm := make([]int16, opusFrameSize)
	packet := make([]byte, 4000)
	frames := seconds * 50
	for f := 0; f < frames; f++ {
		// 800 ms of tone, 1200 ms of silence
		voiced := (f % 100) < 40
		for i := range pcm {
			if !voiced {
				pcm[i] = 0
				continue
			}
			n := f*opusFrameSize + i
			pcm[i] = int16(12000 * math.Sin(2*math.Pi*440*float64(n)/opusRate))
		}

		n, err := enc.Encode(pcm, packet)
		if err != nil {
			return nil, fmt.Errorf("encode frame %d: %w", f, err)
		}
		err = w.WriteRTP(&rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				SequenceNumber: uint16(f),
				Timestamp:      uint32(f * opusFrameSize),
			},
			Payload: append([]byte(nil), packet[:n]...),
		})
		if err != nil {
			return nil, fmt.Errorf("write frame %d: %w", f, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close ogg writer: %w", err)
	}
	return buf.Bytes(), nil
}

// slices calls send with consecutive random-sized pieces of data.
func slices(ctx context.Context, opts options, data []byte, send func([]byte) error) error {
	rng := rand.New(rand.NewSource(opts.seed))
	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()

	for len(data) > 0 {
		n := min(len(data), 1+rng.Intn(max(opts.maxChunk, 1)))
		if err := send(data[:n]); err != nil {
			return err
		}
		data = data[n:]

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func feedWebSocket(ctx context.Context, logger *slog.Logger, opts options, data []byte) error {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(dialCtx, opts.url+opts.clientID, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", opts.url, err)
	}
	defer c.CloseNow()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			var msg map[string]any
			if err := wsjson.Read(gctx, c, &msg); err != nil {
				if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
					return nil
				}
				return fmt.Errorf("read notification: %w", err)
			}
			logger.Info("Notification", slog.Any("message", msg))
		}
	})

	g.Go(func() error {
		err := slices(gctx, opts, data, func(b []byte) error {
			return c.Write(gctx, websocket.MessageBinary, b)
		})
		if err != nil {
			return err
		}
		return wsjson.Write(gctx, c, map[string]string{"type": "end"})
	})

	return g.Wait()
}

func feedTCP(ctx context.Context, logger *slog.Logger, opts options, data []byte) error {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", opts.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", opts.addr, err)
	}
	defer nc.Close()

	hello, err := protocol.NewHelloPayload(opts.clientID, protocol.CodecOggOpus, uint32(time.Now().Unix()))
	if err != nil {
		return err
	}
	if err := protocol.WriteFrame(nc, protocol.FrameTypeHello, 0, hello.Bytes()); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	seq := uint32(1)
	err = slices(ctx, opts, data, func(b []byte) error {
		if err := protocol.WriteFrame(nc, protocol.FrameTypeAudio, seq, b); err != nil {
			return fmt.Errorf("send audio frame %d: %w", seq, err)
		}
		seq++
		return nil
	})
	if err != nil {
		return err
	}
	if err := protocol.WriteFrame(nc, protocol.FrameTypeBye, seq, nil); err != nil {
		return fmt.Errorf("send bye: %w", err)
	}
	logger.Info("Sent bye", slog.Uint64("frames", uint64(seq)))

	// The server hangs up once the stream has drained.
	nc.SetReadDeadline(time.Now().Add(30 * time.Second))
	if _, err := io.Copy(io.Discard, nc); err != nil {
		return fmt.Errorf("wait for close: %w", err)
	}
	return nil
}
