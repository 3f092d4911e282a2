// Package google provides a streaming transcription adapter backed by Google
// Cloud Speech-to-Text (v1 StreamingRecognize over gRPC).
//
// Every stream starts with a StreamingConfig request followed by
// AudioContent requests. Cloud Speech ends streams on its own (duration
// limits, transient transport errors); while the adapter is accepting, the
// stream is re-opened transparently.
package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/google/uuid"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/MrWong99/therascribe/pkg/provider"
	"github.com/MrWong99/therascribe/pkg/provider/stt"
	"github.com/MrWong99/therascribe/pkg/types"
)

const (
	providerName       = "google"
	defaultMaxReopens  = 3
	defaultReopenDelay = 100 * time.Millisecond
)

// Compile-time assertion that Adapter implements stt.Adapter.
var _ stt.Adapter = (*Adapter)(nil)

// streamingRecognizeClient is the subset of
// speechpb.Speech_StreamingRecognizeClient the adapter uses.
type streamingRecognizeClient interface {
	Send(*speechpb.StreamingRecognizeRequest) error
	Recv() (*speechpb.StreamingRecognizeResponse, error)
	CloseSend() error
}

type openFunc func(ctx context.Context) (streamingRecognizeClient, error)

// Option is a functional option for configuring the Adapter.
type Option func(*Adapter)

// WithReopen sets how many consecutive re-open attempts are made after a
// stream fails and the delay between them.
func WithReopen(maxAttempts int, delay time.Duration) Option {
	return func(a *Adapter) {
		a.maxReopens = maxAttempts
		a.reopenDelay = delay
	}
}

// WithModel selects a recognition model (e.g. "latest_long").
func WithModel(model string) Option {
	return func(a *Adapter) {
		a.model = model
	}
}

func withOpener(open openFunc) Option {
	return func(a *Adapter) {
		a.open = open
	}
}

// Adapter implements stt.Adapter for Cloud Speech.
type Adapter struct {
	client      *speech.Client
	ownsClient  bool
	open        openFunc
	model       string
	maxReopens  int
	reopenDelay time.Duration

	life  provider.Lifecycle
	stats provider.Stats

	events    chan stt.Event
	closeOnce sync.Once

	// sendMu serialises Send calls; gRPC client streams are not safe for
	// concurrent senders.
	sendMu sync.Mutex

	mu        sync.Mutex
	cfg       stt.Config
	initErr   error
	stream    streamingRecognizeClient
	cancel    context.CancelFunc
	loopDone  chan struct{}
	utterance int
	lastSend  time.Time
}

// New wraps an existing Cloud Speech client. The caller keeps ownership of
// client.
func New(client *speech.Client, opts ...Option) *Adapter {
	a := &Adapter{
		client:      client,
		maxReopens:  defaultMaxReopens,
		reopenDelay: defaultReopenDelay,
		events:      make(chan stt.Event, 64),
	}
	if client != nil {
		a.open = func(ctx context.Context) (streamingRecognizeClient, error) {
			return client.StreamingRecognize(ctx)
		}
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// NewFromEnvironment dials Cloud Speech with Application Default
// Credentials. endpoint overrides the API host when non-empty. The client is
// closed by Destroy.
func NewFromEnvironment(ctx context.Context, endpoint string, opts ...Option) (*Adapter, error) {
	var copts []option.ClientOption
	if endpoint != "" {
		copts = append(copts, option.WithEndpoint(endpoint))
	}
	client, err := speech.NewClient(ctx, copts...)
	if err != nil {
		return nil, fmt.Errorf("google: create speech client: %w", err)
	}
	a := New(client, opts...)
	a.ownsClient = true
	return a, nil
}

// Name returns "google".
func (a *Adapter) Name() string { return providerName }

// Mode returns stt.ModeStreaming.
func (a *Adapter) Mode() stt.Mode { return stt.ModeStreaming }

// Events returns the asynchronous result channel. It is closed by Destroy.
func (a *Adapter) Events() <-chan stt.Event { return a.events }

// Initialize opens a throwaway stream and sends the recognition config to
// validate credentials and settings.
func (a *Adapter) Initialize(ctx context.Context, cfg stt.Config) error {
	cfg = cfg.WithDefaults()
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()

	err := a.ping(ctx, cfg)

	a.mu.Lock()
	a.initErr = err
	a.mu.Unlock()
	if err != nil {
		return &provider.InitializationError{Provider: providerName, Err: err}
	}
	return a.life.MarkInitialized()
}

func (a *Adapter) ping(ctx context.Context, cfg stt.Config) error {
	if a.open == nil {
		return errors.New("google: no speech client configured")
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()

	stream, err := a.open(ctx)
	if err != nil {
		return fmt.Errorf("google: open stream: %w", err)
	}
	if err := stream.Send(a.configRequest(cfg)); err != nil {
		_ = stream.CloseSend()
		return fmt.Errorf("google: send config: %w", err)
	}
	return stream.CloseSend()
}

func (a *Adapter) configRequest(cfg stt.Config) *speechpb.StreamingRecognizeRequest {
	return &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:                   speechpb.RecognitionConfig_LINEAR16,
					SampleRateHertz:            int32(cfg.SampleRate),
					AudioChannelCount:          int32(cfg.Channels),
					LanguageCode:               cfg.Language,
					Model:                      a.model,
					EnableAutomaticPunctuation: true,
					EnableWordTimeOffsets:      true,
					EnableWordConfidence:       true,
				},
				InterimResults: cfg.InterimResults,
			},
		},
	}
}

// Start opens the recognition stream and begins receiving results.
func (a *Adapter) Start(ctx context.Context) error {
	changed, err := a.life.Start()
	if err != nil {
		return fmt.Errorf("google: start: %w", err)
	}
	if !changed {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	stream, err := a.openStream(runCtx)
	if err != nil {
		cancel()
		a.life.Stop()
		a.stats.RecordError()
		return provider.NewError(providerName, "open", err)
	}

	done := make(chan struct{})
	a.mu.Lock()
	a.stream = stream
	a.cancel = cancel
	a.loopDone = done
	a.mu.Unlock()

	go a.recvLoop(runCtx, stream, done)
	return nil
}

func (a *Adapter) openStream(ctx context.Context) (streamingRecognizeClient, error) {
	a.mu.Lock()
	cfg := a.cfg
	a.mu.Unlock()

	stream, err := a.open(ctx)
	if err != nil {
		return nil, err
	}
	a.sendMu.Lock()
	err = stream.Send(a.configRequest(cfg))
	a.sendMu.Unlock()
	if err != nil {
		_ = stream.CloseSend()
		return nil, err
	}
	return stream, nil
}

// Feed sends pcm as AudioContent. Results arrive on Events.
func (a *Adapter) Feed(_ context.Context, pcm []byte) (*types.TranscriptionResult, error) {
	if err := a.life.CheckAccepting(); err != nil {
		return nil, fmt.Errorf("google: feed: %w", err)
	}
	if len(pcm) == 0 {
		return nil, nil
	}

	a.mu.Lock()
	stream := a.stream
	a.mu.Unlock()
	if stream == nil {
		return nil, provider.NewError(providerName, "feed", errors.New("no open stream"))
	}

	a.sendMu.Lock()
	err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: pcm,
		},
	})
	a.sendMu.Unlock()
	if err != nil {
		a.stats.RecordError()
		return nil, provider.NewError(providerName, "feed", err)
	}

	a.mu.Lock()
	a.lastSend = time.Now()
	a.mu.Unlock()
	return nil, nil
}

// Stop half-closes the stream so trailing finals are delivered, then waits
// up to RequestTimeout for the receiver to finish.
func (a *Adapter) Stop(ctx context.Context) (*types.TranscriptionResult, error) {
	if !a.life.Stop() {
		return nil, nil
	}
	a.closeStream(ctx, true)
	return nil, nil
}

// Destroy cancels the stream and closes Events. It is idempotent.
func (a *Adapter) Destroy() error {
	if !a.life.Destroy() {
		return nil
	}
	a.closeStream(context.Background(), false)
	a.closeOnce.Do(func() { close(a.events) })
	if a.ownsClient && a.client != nil {
		return a.client.Close()
	}
	return nil
}

// Status reports availability and counters.
func (a *Adapter) Status() types.ProviderStatus {
	a.mu.Lock()
	initErr := a.initErr
	a.mu.Unlock()
	return a.stats.Status(initErr == nil && a.life.Usable())
}

func (a *Adapter) closeStream(ctx context.Context, drain bool) {
	a.mu.Lock()
	stream, cancel, done := a.stream, a.cancel, a.loopDone
	timeout := a.cfg.RequestTimeout
	a.stream, a.cancel, a.loopDone = nil, nil, nil
	a.mu.Unlock()

	if stream == nil {
		return
	}
	if drain {
		a.sendMu.Lock()
		_ = stream.CloseSend()
		a.sendMu.Unlock()
		select {
		case <-done:
		case <-time.After(timeout):
		case <-ctx.Done():
		}
	}
	cancel()
	<-done
}

// recvLoop forwards responses as events and re-opens the stream when it
// ends while the adapter is still accepting.
func (a *Adapter) recvLoop(ctx context.Context, stream streamingRecognizeClient, done chan struct{}) {
	defer close(done)

	for {
		resp, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil || a.life.CheckAccepting() != nil {
				return
			}
			if !isEndOfStream(err) {
				a.stats.RecordError()
				slog.Warn("google: stream failed, reopening", "err", err)
			}
			next, rerr := a.reopen(ctx)
			if rerr != nil {
				if ctx.Err() == nil {
					a.emit(ctx, stt.Event{Err: provider.NewError(providerName, "reopen", rerr)})
				}
				return
			}
			a.mu.Lock()
			if ctx.Err() != nil {
				a.mu.Unlock()
				_ = next.CloseSend()
				return
			}
			a.stream = next
			a.mu.Unlock()
			stream = next
			continue
		}

		if e := resp.GetError(); e != nil && e.GetCode() != int32(codes.OK) {
			a.stats.RecordError()
			a.emit(ctx, stt.Event{Err: provider.NewError(providerName, "recognize", status.ErrorProto(e))})
			continue
		}
		for _, r := range resp.GetResults() {
			res, ok := a.convert(r)
			if !ok {
				continue
			}
			a.emit(ctx, stt.Event{Result: res})
		}
	}
}

func (a *Adapter) reopen(ctx context.Context) (streamingRecognizeClient, error) {
	var lastErr error
	for attempt := 0; attempt < a.maxReopens; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(a.reopenDelay):
			}
		}
		stream, err := a.openStream(ctx)
		if err == nil {
			return stream, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("reopen disabled")
	}
	return nil, fmt.Errorf("google: gave up after %d attempts: %w", a.maxReopens, lastErr)
}

// convert maps a recognition result to a TranscriptionResult. Interim
// results carry the stability estimate as their confidence.
func (a *Adapter) convert(r *speechpb.StreamingRecognitionResult) (*types.TranscriptionResult, bool) {
	alts := r.GetAlternatives()
	if len(alts) == 0 || alts[0].GetTranscript() == "" {
		return nil, false
	}
	alt := alts[0]

	words := make([]types.WordDetail, 0, len(alt.GetWords()))
	for _, w := range alt.GetWords() {
		words = append(words, types.WordDetail{
			Word:       w.GetWord(),
			Start:      w.GetStartTime().AsDuration(),
			End:        w.GetEndTime().AsDuration(),
			Confidence: float64(w.GetConfidence()),
		})
	}

	confidence := float64(alt.GetConfidence())
	if !r.GetIsFinal() {
		confidence = float64(r.GetStability())
	}

	now := time.Now()
	a.mu.Lock()
	utterance := fmt.Sprintf("google-%d", a.utterance)
	if r.GetIsFinal() {
		a.utterance++
	}
	lang := a.cfg.Language
	var latency time.Duration
	if !a.lastSend.IsZero() {
		latency = now.Sub(a.lastSend)
	}
	a.mu.Unlock()
	if r.GetLanguageCode() != "" {
		lang = r.GetLanguageCode()
	}
	if r.GetIsFinal() {
		a.stats.RecordSuccess(latency)
	}

	return &types.TranscriptionResult{
		ID:          uuid.NewString(),
		UtteranceID: utterance,
		Timestamp:   now,
		Text:        alt.GetTranscript(),
		Language:    lang,
		Confidence:  confidence,
		IsFinal:     r.GetIsFinal(),
		Words:       words,
		Provider:    providerName,
		Processing:  types.ProcessingInfo{Latency: latency, ProcessingTime: latency},
	}, true
}

func (a *Adapter) emit(ctx context.Context, ev stt.Event) {
	select {
	case a.events <- ev:
	case <-ctx.Done():
	}
}

// isEndOfStream reports whether err is a normal stream end rather than a
// failure.
func isEndOfStream(err error) bool {
	return errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled
}
