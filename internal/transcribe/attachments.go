package transcribe

import (
	"context"
	"strings"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/ragchat/internal/model"
)

const transcriptLabel = "[Messaggio vocale trascritto]: "

type Processed struct {
	Content       string
	HasVoice      bool
	Transcription string
	URLs          []string
}

// ProcessAttachments transcribes the voice attachments and merges the
// transcripts into content. The first transcription error is returned along
// with whatever could be processed; callers decide whether it is fatal.
func (d *Dispatcher) ProcessAttachments(ctx context.Context, attachments []model.Attachment, content string) (*Processed, error) {
	out := &Processed{Content: content}
	var (
		transcripts []string
		firstErr    error
	)
	for _, att := range attachments {
		url := strings.TrimSpace(att.DataURL)
		if url == "" {
			continue
		}
		out.URLs = append(out.URLs, url)
		if !IsVoiceAttachment(att.FileType, url) {
			continue
		}
		out.HasVoice = true
		text, err := d.Transcribe(ctx, url)
		if err != nil {
			logutil.GetLogger(ctx).Warn("voice attachment not transcribed", zap.String("url", url), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		transcripts = append(transcripts, text)
	}
	if len(transcripts) == 0 {
		return out, firstErr
	}
	out.Transcription = strings.Join(transcripts, " ")
	if strings.TrimSpace(content) != "" {
		out.Content = content + "\n\n" + transcriptLabel + out.Transcription
	} else {
		out.Content = out.Transcription
	}
	return out, firstErr
}
