package transcribe

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	appErr "github.com/xxxsen/ragchat/internal/pkg/errors"
)

const (
	defaultMaxBytes       = 25 << 20
	defaultConnectTimeout = 10 * time.Second
	defaultTimeout        = 30 * time.Second
)

type Config struct {
	MaxBytes       int64
	ConnectTimeout time.Duration
	Timeout        time.Duration
}

// Dispatcher downloads voice messages and hands them to the configured
// providers in order.
type Dispatcher struct {
	providers []Provider
	client    *http.Client
	maxBytes  int64
}

func NewDispatcher(cfg Config, providers ...Provider) *Dispatcher {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext
	return &Dispatcher{
		providers: providers,
		client:    &http.Client{Timeout: cfg.Timeout, Transport: transport},
		maxBytes:  cfg.MaxBytes,
	}
}

// Transcribe fetches the audio at url and returns its transcript.
func (d *Dispatcher) Transcribe(ctx context.Context, url string) (string, error) {
	data, err := d.fetch(ctx, url)
	if err != nil {
		return "", err
	}
	mimeType, err := sniffFormat(data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", appErr.ErrUnsupportedFormat, err)
	}
	return d.TranscribeAudio(ctx, data, mimeType)
}

// TranscribeAudio runs the provider chain on an already downloaded payload.
// A transient failure moves on to the next provider; anything else stops.
func (d *Dispatcher) TranscribeAudio(ctx context.Context, data []byte, mimeType string) (string, error) {
	if len(d.providers) == 0 {
		return "", fmt.Errorf("%w: no provider configured", appErr.ErrTranscriptionFailed)
	}
	logger := logutil.GetLogger(ctx)
	var lastErr error
	for _, p := range d.providers {
		start := time.Now()
		text, err := p.Transcribe(ctx, data, mimeType)
		if err == nil {
			text = strings.TrimSpace(text)
			if text == "" || text == silentMarker {
				return "", fmt.Errorf("%w: %s returned no speech", appErr.ErrTranscriptionFailed, p.Name())
			}
			logger.Info("audio transcribed",
				zap.String("provider", p.Name()),
				zap.Int("bytes", len(data)),
				zap.Duration("cost", time.Since(start)),
			)
			return text, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
		if !appErr.IsTransient(err) {
			logger.Error("transcription failed", zap.String("provider", p.Name()), zap.Error(err))
			return "", fmt.Errorf("%w: %s: %v", appErr.ErrTranscriptionFailed, p.Name(), err)
		}
		logger.Warn("transcription provider unavailable, trying next", zap.String("provider", p.Name()), zap.Error(err))
	}
	return "", fmt.Errorf("%w: all providers failed: %v", appErr.ErrTranscriptionFailed, lastErr)
}

func (d *Dispatcher) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: bad audio url: %v", appErr.ErrInvalid, err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: download audio: %v", appErr.ErrTranscriptionFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: download audio: status %d", appErr.ErrTranscriptionFailed, resp.StatusCode)
	}
	if resp.ContentLength > d.maxBytes {
		return nil, fmt.Errorf("%w: audio is %d bytes, limit %d", appErr.ErrPayloadTooLarge, resp.ContentLength, d.maxBytes)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, d.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read audio: %v", appErr.ErrTranscriptionFailed, err)
	}
	if int64(len(data)) > d.maxBytes {
		return nil, fmt.Errorf("%w: audio exceeds %d bytes", appErr.ErrPayloadTooLarge, d.maxBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty audio", appErr.ErrTranscriptionFailed)
	}
	return data, nil
}
