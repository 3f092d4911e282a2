// Command micclient captures the default microphone (or replays a raw PCM
// file) and streams it to a therascribe relay, printing transcripts and
// provider changes as they arrive.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/therascribe/internal/relay"
)

func main() {
	os.Exit(run())
}

func run() int {
	server := flag.String("server", "http://localhost:8080", "therascribe base URL")
	sessionID := flag.String("session", "", "session id (default: a fresh sess-<uuid> dev id)")
	providerName := flag.String("provider", "deepgram", "provider to start on")
	token := flag.String("token", "", "session token")
	secret := flag.String("secret", "", "JWT secret to mint a token locally instead of -token")
	file := flag.String("file", "", "stream this raw 16-bit mono PCM file instead of the microphone")
	rate := flag.Int("rate", 16000, "sample rate in Hz")
	linger := flag.Duration("linger", 3*time.Second, "how long to wait for late results after a file ends")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	lvl := slog.LevelInfo
	if *verbose {
		lvl = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))

	if *sessionID == "" {
		*sessionID = relay.NewDevSessionID()
	}
	if *token == "" && *secret != "" {
		auth, err := relay.NewAuthenticator(*secret, false)
		if err != nil {
			log.Error("token setup failed", "err", err)
			return 1
		}
		t, err := auth.IssueToken(*sessionID, "micclient", time.Hour)
		if err != nil {
			log.Error("token setup failed", "err", err)
			return 1
		}
		*token = t
	}

	u, err := streamURL(*server, *sessionID, *providerName, *token)
	if err != nil {
		log.Error("bad server url", "err", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		src   io.ReadCloser
		paced bool
	)
	if *file != "" {
		f, err := os.Open(*file)
		if err != nil {
			log.Error("open audio file", "err", err)
			return 1
		}
		src, paced = f, true
	} else {
		mic, err := OpenMicrophone(*rate)
		if err != nil {
			log.Error("open microphone", "err", err)
			return 1
		}
		src = mic
	}
	defer src.Close()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, u, nil)
	cancel()
	if err != nil {
		log.Error("connect failed", "url", redact(u), "err", err)
		return 1
	}
	defer conn.CloseNow()

	log.Info("streaming", "session_id", *sessionID, "provider", *providerName, "source", sourceName(*file))
	if *file == "" {
		fmt.Fprintln(os.Stderr, "Recording... Press Ctrl+C to stop.")
	}

	c := &Client{
		conn:       conn,
		out:        os.Stdout,
		log:        log,
		frameSize:  framesPerBuffer * 2,
		paced:      paced,
		sampleRate: *rate,
	}
	if err := c.Run(ctx, src, *linger); err != nil && !errors.Is(err, context.Canceled) {
		if st := websocket.CloseStatus(err); st != -1 {
			log.Error("server closed the connection", "status", st, "err", err)
		} else {
			log.Error("stream failed", "err", err)
		}
		return 1
	}
	return 0
}

// streamURL turns an http(s) base URL into the relay websocket URL.
func streamURL(base, sessionID, provider, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + relay.Path
	q := url.Values{"sessionId": {sessionID}, "provider": {provider}}
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func redact(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return u
	}
	q := parsed.Query()
	if q.Has("token") {
		q.Set("token", "REDACTED")
		parsed.RawQuery = q.Encode()
	}
	return parsed.String()
}

func sourceName(file string) string {
	if file == "" {
		return "microphone"
	}
	return file
}
