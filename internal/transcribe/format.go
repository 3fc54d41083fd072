package transcribe

import (
	"fmt"
	"net/textproto"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// supportedFormats maps the sniffed container to the mime type sent to the
// providers. Ogg covers opus voice notes.
var supportedFormats = []struct {
	detected string
	mime     string
	ext      string
}{
	{"audio/ogg", "audio/ogg", ".ogg"},
	{"audio/opus", "audio/ogg", ".ogg"},
	{"application/ogg", "audio/ogg", ".ogg"},
	{"audio/mpeg", "audio/mpeg", ".mp3"},
	{"audio/x-m4a", "audio/mp4", ".m4a"},
	{"audio/mp4", "audio/mp4", ".m4a"},
	{"video/mp4", "audio/mp4", ".m4a"},
	{"audio/wav", "audio/wav", ".wav"},
	{"audio/webm", "audio/webm", ".webm"},
	{"video/webm", "audio/webm", ".webm"},
	{"audio/flac", "audio/flac", ".flac"},
}

// sniffFormat detects the audio container from the payload itself; the
// advertised content type of voice notes is often wrong.
func sniffFormat(data []byte) (string, error) {
	detected := mimetype.Detect(data)
	for m := detected; m != nil; m = m.Parent() {
		for _, f := range supportedFormats {
			if m.Is(f.detected) {
				return f.mime, nil
			}
		}
	}
	return "", fmt.Errorf("audio format %s", detected.String())
}

func extensionFor(mimeType string) string {
	for _, f := range supportedFormats {
		if f.mime == mimeType {
			return f.ext
		}
	}
	return ".ogg"
}

func filePartHeader(filename, mimeType string) textproto.MIMEHeader {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, strings.ReplaceAll(filename, `"`, "")))
	h.Set("Content-Type", mimeType)
	return h
}

var audioExtensions = []string{".ogg", ".oga", ".opus", ".mp3", ".m4a", ".wav", ".webm", ".flac"}

// IsVoiceAttachment reports whether an attachment should be transcribed.
func IsVoiceAttachment(fileType, url string) bool {
	switch strings.ToLower(strings.TrimSpace(fileType)) {
	case "audio", "voice":
		return true
	}
	lower := strings.ToLower(url)
	if i := strings.IndexAny(lower, "?#"); i >= 0 {
		lower = lower[:i]
	}
	for _, ext := range audioExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
