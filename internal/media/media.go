// Package media implements single-shot generation of text, images, speech
// and video through the Gemini API.
//
// A [Generator] takes a [Request] (prompt, mode, optional attachment and an
// optional handle to a previously generated video) and returns a [Response]
// carrying the reply text and, for media modes, a URL the caller can render.
// Video generation is a long-running operation that is polled at a fixed
// interval until it completes; only ctx bounds the wait.
package media

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/genai"

	"github.com/MrWong99/nexusvoice/internal/observe"
	"github.com/MrWong99/nexusvoice/internal/resilience"
)

var (
	// ErrEmptyPrompt is returned when a mode that needs a prompt gets none.
	ErrEmptyPrompt = errors.New("media: empty prompt")

	// ErrNoMedia is returned when the model answered without the requested
	// media.
	ErrNoMedia = errors.New("media: no media in response")

	// ErrOperationFailed is returned when a long-running video operation
	// finishes with an error.
	ErrOperationFailed = errors.New("media: operation failed")

	// ErrInvalidHandle is returned for a [Handle] that does not decode.
	ErrInvalidHandle = errors.New("media: invalid handle")

	// ErrUnknownMode is returned for a [Mode] outside the four known ones.
	ErrUnknownMode = errors.New("media: unknown mode")
)

// Mode selects what a [Request] generates.
type Mode string

const (
	ModeText  Mode = "TEXT"
	ModeImage Mode = "IMAGE"
	ModeAudio Mode = "AUDIO"
	ModeVideo Mode = "VIDEO"
)

// ParseMode parses a case-insensitive mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToUpper(strings.TrimSpace(s))); m {
	case ModeText, ModeImage, ModeAudio, ModeVideo:
		return m, nil
	default:
		return "", fmt.Errorf("%w %q", ErrUnknownMode, s)
	}
}

// Emotion is the mood tag a text reply opens with.
type Emotion string

const (
	EmotionNeutral  Emotion = "NEUTRAL"
	EmotionSad      Emotion = "SAD"
	EmotionHappy    Emotion = "HAPPY"
	EmotionAngry    Emotion = "ANGRY"
	EmotionFear     Emotion = "FEAR"
	EmotionSurprise Emotion = "SURPRISE"
	EmotionLove     Emotion = "LOVE"
)

func parseEmotion(s string) Emotion {
	switch e := Emotion(strings.ToUpper(s)); e {
	case EmotionSad, EmotionHappy, EmotionAngry, EmotionFear, EmotionSurprise, EmotionLove:
		return e
	default:
		return EmotionNeutral
	}
}

// Attachment is a user-supplied file sent alongside the prompt.
type Attachment struct {
	Data     []byte
	MIMEType string
	Name     string
}

// Handle is an opaque, serialisable reference to a generated video. Pass it
// back in [Request.Previous] to extend that video.
type Handle string

// Request is one generation call.
type Request struct {
	Prompt     string
	Mode       Mode
	Attachment *Attachment
	Previous   Handle
}

// Link is a web source that grounded a text reply.
type Link struct {
	Title string `json:"title"`
	URI   string `json:"uri"`
}

// Response is the result of a generation call.
type Response struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
	MediaURL  string    `json:"media_url,omitempty"`
	MediaType string    `json:"media_type,omitempty"`
	Emotion   Emotion   `json:"emotion"`
	Grounding []Link    `json:"grounding,omitempty"`
	Handle    Handle    `json:"handle,omitempty"`
}

// Config selects models and tunes generation.
type Config struct {
	TextModel        string
	ImageModel       string
	TTSModel         string
	TTSVoice         string
	VideoModel       string
	VideoExtendModel string

	// PollInterval between video operation status checks.
	PollInterval time.Duration

	// SystemPrompt for text replies. It should ask the model to open every
	// reply with an [EMOTION: X] tag.
	SystemPrompt string
}

// DefaultSystemPrompt asks for short replies that open with an emotion tag.
const DefaultSystemPrompt = "You are the assistant of the Nexus platform. " +
	"Answer briefly, warmly and wisely. " +
	"Begin every reply with a tag of the form [EMOTION: X] where X is one of " +
	"NEUTRAL, SAD, HAPPY, ANGRY, FEAR, SURPRISE or LOVE."

// DefaultConfig returns the stock model set with a 10 second poll interval.
func DefaultConfig() Config {
	return Config{
		TextModel:        "gemini-3-flash-preview",
		ImageModel:       "gemini-2.5-flash-image",
		TTSModel:         "gemini-2.5-flash-preview-tts",
		TTSVoice:         "Kore",
		VideoModel:       "veo-3.1-fast-generate-preview",
		VideoExtendModel: "veo-3.1-generate-preview",
		PollInterval:     10 * time.Second,
		SystemPrompt:     DefaultSystemPrompt,
	}
}

// Option is a functional option for [New].
type Option func(*Generator)

// WithBaseURL points the client at a different API endpoint.
func WithBaseURL(u string) Option {
	return func(g *Generator) { g.baseURL = u }
}

// WithMetrics sets the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Generator) { g.metrics = m }
}

// WithBreaker guards API calls with b. By default each Generator has its own
// breaker that opens after five consecutive service failures.
func WithBreaker(b *resilience.Breaker) Option {
	return func(g *Generator) { g.breaker = b }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(g *Generator) { g.log = l }
}

// Generator runs generation requests. It is safe for concurrent use.
type Generator struct {
	client  *genai.Client
	apiKey  string
	baseURL string
	cfg     Config
	metrics *observe.Metrics
	breaker *resilience.Breaker
	log     *slog.Logger
}

// New creates a Generator for the Gemini API authenticated with apiKey.
// Empty fields of cfg fall back to [DefaultConfig].
func New(ctx context.Context, apiKey string, cfg Config, opts ...Option) (*Generator, error) {
	if apiKey == "" {
		return nil, errors.New("media: API key is required")
	}
	g := &Generator{apiKey: apiKey, cfg: withDefaults(cfg)}
	for _, opt := range opts {
		opt(g)
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	if g.log == nil {
		g.log = slog.Default()
	}
	if g.breaker == nil {
		g.breaker = resilience.New(resilience.Config{Name: "media", IsFailure: serviceFailure})
	}

	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if g.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: g.baseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("media: new client: %w", err)
	}
	g.client = client
	return g, nil
}

func withDefaults(cfg Config) Config {
	def := DefaultConfig()
	set := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	set(&cfg.TextModel, def.TextModel)
	set(&cfg.ImageModel, def.ImageModel)
	set(&cfg.TTSModel, def.TTSModel)
	set(&cfg.TTSVoice, def.TTSVoice)
	set(&cfg.VideoModel, def.VideoModel)
	set(&cfg.VideoExtendModel, def.VideoExtendModel)
	set(&cfg.SystemPrompt, def.SystemPrompt)
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	return cfg
}

// Generate runs req to completion.
func (g *Generator) Generate(ctx context.Context, req Request) (*Response, error) {
	ctx, span := observe.StartSpan(ctx, "media.generate",
		trace.WithAttributes(attribute.String("media.mode", string(req.Mode))),
	)
	defer span.End()

	start := time.Now()
	var resp *Response
	err := g.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		switch req.Mode {
		case ModeText:
			resp, err = g.text(ctx, req)
		case ModeImage:
			resp, err = g.image(ctx, req)
		case ModeAudio:
			resp, err = g.speech(ctx, req)
		case ModeVideo:
			resp, err = g.video(ctx, req)
		default:
			err = fmt.Errorf("%w %q", ErrUnknownMode, req.Mode)
		}
		return err
	})

	status := "ok"
	if err != nil {
		status = "error"
		observe.FailSpan(span, err)
		g.log.Error("media generation failed", "mode", req.Mode, "err", err)
	}
	g.metrics.RecordMedia(ctx, string(req.Mode), status, time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	resp.ID = uuid.NewString()
	resp.Timestamp = time.Now()
	return resp, nil
}

// serviceFailure reports whether err means the remote service misbehaved.
// Bad requests and caller cancellation do not count.
func serviceFailure(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, ErrEmptyPrompt),
		errors.Is(err, ErrInvalidHandle),
		errors.Is(err, ErrUnknownMode),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// ── Text ────────────────────────────────────────────────────────────────────

var emotionTag = regexp.MustCompile(`\[EMOTION:\s*(\w+)\]`)

func (g *Generator) text(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("media: text: %w", ErrEmptyPrompt)
	}
	res, err := g.client.Models.GenerateContent(ctx, g.cfg.TextModel, contents(req), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(g.cfg.SystemPrompt, genai.RoleUser),
		Tools:             []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}},
	})
	if err != nil {
		return nil, fmt.Errorf("media: text: %w", err)
	}

	raw := res.Text()
	emotion := EmotionNeutral
	if m := emotionTag.FindStringSubmatch(raw); m != nil {
		emotion = parseEmotion(m[1])
	}
	out := &Response{
		Text:    strings.TrimSpace(emotionTag.ReplaceAllString(raw, "")),
		Emotion: emotion,
	}
	if len(res.Candidates) > 0 && res.Candidates[0].GroundingMetadata != nil {
		for _, c := range res.Candidates[0].GroundingMetadata.GroundingChunks {
			if c == nil || c.Web == nil {
				continue
			}
			out.Grounding = append(out.Grounding, Link{Title: c.Web.Title, URI: c.Web.URI})
		}
	}
	return out, nil
}

// contents builds the user turn: the attachment (if any) followed by the
// prompt.
func contents(req Request) []*genai.Content {
	if req.Attachment == nil {
		return genai.Text(req.Prompt)
	}
	parts := []*genai.Part{genai.NewPartFromBytes(req.Attachment.Data, req.Attachment.MIMEType)}
	if req.Prompt != "" {
		parts = append(parts, genai.NewPartFromText(req.Prompt))
	}
	return []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
}

// ── Image ───────────────────────────────────────────────────────────────────

func (g *Generator) image(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Prompt) == "" && req.Attachment == nil {
		return nil, fmt.Errorf("media: image: %w", ErrEmptyPrompt)
	}
	res, err := g.client.Models.GenerateContent(ctx, g.cfg.ImageModel, contents(req), &genai.GenerateContentConfig{
		ImageConfig: &genai.ImageConfig{AspectRatio: "1:1"},
	})
	if err != nil {
		return nil, fmt.Errorf("media: image: %w", err)
	}

	out := &Response{MediaType: "image", Emotion: EmotionNeutral}
	var text strings.Builder
	for _, p := range firstParts(res) {
		switch {
		case p == nil:
		case p.InlineData != nil && out.MediaURL == "":
			mime := p.InlineData.MIMEType
			if mime == "" {
				mime = "image/png"
			}
			out.MediaURL = dataURL(mime, p.InlineData.Data)
		case p.Text != "":
			text.WriteString(p.Text)
		}
	}
	if out.MediaURL == "" {
		return nil, fmt.Errorf("media: image: %w", ErrNoMedia)
	}
	out.Text = text.String()
	if out.Text == "" {
		out.Text = "Image generated."
	}
	return out, nil
}

// ── Speech ──────────────────────────────────────────────────────────────────

func (g *Generator) speech(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("media: speech: %w", ErrEmptyPrompt)
	}
	res, err := g.client.Models.GenerateContent(ctx, g.cfg.TTSModel, genai.Text(req.Prompt), &genai.GenerateContentConfig{
		ResponseModalities: []string{string(genai.ModalityAudio)},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: g.cfg.TTSVoice},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("media: speech: %w", err)
	}
	if len(res.Candidates) == 0 {
		return nil, fmt.Errorf("media: speech: no candidates: %w", ErrNoMedia)
	}

	var pcm []byte
	for _, p := range firstParts(res) {
		if p != nil && p.InlineData != nil && len(p.InlineData.Data) > 0 {
			pcm = p.InlineData.Data
			break
		}
	}
	if pcm == nil {
		return nil, fmt.Errorf("media: speech: %w", ErrNoMedia)
	}
	wav, err := EncodeWAV(pcm, ttsSampleRate)
	if err != nil {
		return nil, fmt.Errorf("media: speech: %w", err)
	}
	return &Response{
		Text:      "Spoken reply ready.",
		MediaURL:  dataURL("audio/wav", wav),
		MediaType: "audio",
		Emotion:   EmotionNeutral,
	}, nil
}

// ── Video ───────────────────────────────────────────────────────────────────

func (g *Generator) video(ctx context.Context, req Request) (*Response, error) {
	model := g.cfg.VideoModel
	src := &genai.GenerateVideosSource{Prompt: req.Prompt}
	extending := req.Previous != ""
	if extending {
		prev, err := decodeHandle(req.Previous)
		if err != nil {
			return nil, fmt.Errorf("media: video: %w", err)
		}
		model = g.cfg.VideoExtendModel
		src.Video = prev
		if src.Prompt == "" {
			src.Prompt = "Extend this reflection"
		}
	} else {
		if src.Prompt == "" {
			src.Prompt = "Nexus Reflection"
		}
		if a := req.Attachment; a != nil {
			src.Image = &genai.Image{ImageBytes: a.Data, MIMEType: a.MIMEType}
		}
	}

	op, err := g.client.Models.GenerateVideosFromSource(ctx, model, src, &genai.GenerateVideosConfig{
		NumberOfVideos: 1,
		Resolution:     "720p",
		AspectRatio:    "16:9",
	})
	if err != nil {
		return nil, fmt.Errorf("media: video: %w", err)
	}

	op, err = g.await(ctx, op)
	if err != nil {
		return nil, fmt.Errorf("media: video: %w", err)
	}
	if op.Error != nil {
		return nil, fmt.Errorf("media: video: %w: %v", ErrOperationFailed, op.Error["message"])
	}
	if op.Response == nil || len(op.Response.GeneratedVideos) == 0 ||
		op.Response.GeneratedVideos[0].Video == nil || op.Response.GeneratedVideos[0].Video.URI == "" {
		return nil, fmt.Errorf("media: video: %w", ErrNoMedia)
	}
	v := op.Response.GeneratedVideos[0].Video

	mediaURL, err := g.withKey(v.URI)
	if err != nil {
		return nil, fmt.Errorf("media: video: %w", err)
	}
	h, err := encodeHandle(v)
	if err != nil {
		return nil, fmt.Errorf("media: video: %w", err)
	}
	text := "Video ready."
	if extending {
		text = "Video extended."
	}
	return &Response{
		Text:      text,
		MediaURL:  mediaURL,
		MediaType: "video",
		Emotion:   EmotionNeutral,
		Handle:    h,
	}, nil
}

// await polls op every PollInterval until it is done. There is no attempt
// cap; ctx is the only bound.
func (g *Generator) await(ctx context.Context, op *genai.GenerateVideosOperation) (*genai.GenerateVideosOperation, error) {
	t := time.NewTimer(g.cfg.PollInterval)
	defer t.Stop()
	for polls := 0; !op.Done; polls++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
		next, err := g.client.Operations.GetVideosOperation(ctx, op, nil)
		if err != nil {
			return nil, fmt.Errorf("poll %s: %w", op.Name, err)
		}
		op = next
		g.log.Debug("video operation polled", "operation", op.Name, "polls", polls+1, "done", op.Done)
		t.Reset(g.cfg.PollInterval)
	}
	return op, nil
}

// withKey appends the API key the download endpoint requires.
func (g *Generator) withKey(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse video uri: %w", err)
	}
	q := u.Query()
	q.Set("key", g.apiKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func encodeHandle(v *genai.Video) (Handle, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode handle: %w", err)
	}
	return Handle(base64.RawURLEncoding.EncodeToString(b)), nil
}

func decodeHandle(h Handle) (*genai.Video, error) {
	b, err := base64.RawURLEncoding.DecodeString(string(h))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidHandle, err)
	}
	var v genai.Video
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidHandle, err)
	}
	if v.URI == "" && len(v.VideoBytes) == 0 {
		return nil, fmt.Errorf("%w: no video reference", ErrInvalidHandle)
	}
	return &v, nil
}

func firstParts(res *genai.GenerateContentResponse) []*genai.Part {
	if res == nil || len(res.Candidates) == 0 || res.Candidates[0].Content == nil {
		return nil
	}
	return res.Candidates[0].Content.Parts
}

func dataURL(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}
