package capture

import (
	"bytes"
	"encoding/base64"
	"mime"
	"strings"
)

// Signature is the data-URI prefix that announces an embedded Base64 payload.
type Signature string

const (
	MIMESpreadsheetML = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	MIMEExcel         = "application/vnd.ms-excel"
)

// SignatureFor builds the data-URI signature for a MIME type.
func SignatureFor(mimeType string) Signature {
	return Signature("data:" + strings.TrimSpace(mimeType) + ";base64,")
}

// DefaultSignatures covers the spreadsheet formats the portal exports.
var DefaultSignatures = []Signature{
	SignatureFor(MIMESpreadsheetML),
	SignatureFor(MIMEExcel),
}

// Inspect decides whether a response carries the exported file.
func Inspect(r Response, sigs []Signature) ([]byte, bool) {
	if isAttachment(r.Header("Content-Disposition")) && len(r.Body) > 0 {
		return r.Body, true
	}
	return ExtractPayload(r.Body, sigs)
}

func isAttachment(disposition string) bool {
	if disposition == "" {
		return false
	}
	kind, _, err := mime.ParseMediaType(disposition)
	if err != nil {
		return strings.HasPrefix(strings.ToLower(strings.TrimSpace(disposition)), "attachment")
	}
	return kind == "attachment"
}

// jsonEscapes undoes the escapes JSON encoders apply to Base64 text.
// HTML-safe encoders write '=' and '+' as unicode escapes.
var jsonEscapes = strings.NewReplacer(
	`\/`, `/`,
	`\u003d`, `=`, `\u003D`, `=`,
	`\u002b`, `+`, `\u002B`, `+`,
)

// maxWrapWidth is the widest line a Base64 encoder wraps at (MIME uses 76).
const maxWrapWidth = 76

// ExtractPayload finds the first signature in body and decodes the Base64 run
// that follows it. Whitespace, line breaks and JSON escapes (\n, \r, \t, \/,
// \u003d, \u002b) inside the run are ignored. A run that does not decode in
// full is never accepted in part.
func ExtractPayload(body []byte, sigs []Signature) ([]byte, bool) {
	if len(body) == 0 {
		return nil, false
	}
	normalized := []byte(jsonEscapes.Replace(string(body)))

	for _, sig := range sigs {
		rest := normalized
		for {
			i := bytes.Index(rest, []byte(sig))
			if i < 0 {
				break
			}
			rest = rest[i+len(sig):]
			if data, ok := decodeRun(rest); ok {
				return data, true
			}
		}
	}
	return nil, false
}

// decodeRun decodes the payload at the start of b.
func decodeRun(b []byte) ([]byte, bool) {
	segments, terminated := scanSegments(b)
	lines := payloadLines(segments)
	if len(lines) == 0 {
		return nil, false
	}
	last := lines[len(lines)-1]
	padded := strings.HasSuffix(last, "=")
	// A run that simply stops at the end of the body may have been cut off.
	if len(lines) == len(segments) && !terminated && !padded {
		return nil, false
	}
	data, err := decodeBase64(strings.Join(lines, ""))
	if err != nil || len(data) == 0 {
		return nil, false
	}
	return data, true
}

// payloadLines picks the segments that belong to the payload. A padded run is
// taken whole. A long first line is an unwrapped payload and anything after it
// is surrounding text. Short first lines of a width divisible by four are a
// wrapped payload: full-width lines plus at most one shorter final line.
func payloadLines(segments []string) []string {
	if len(segments) <= 1 || strings.HasSuffix(segments[len(segments)-1], "=") {
		return segments
	}
	width := len(segments[0])
	if width > maxWrapWidth || width%4 != 0 {
		return segments[:1]
	}
	for i, seg := range segments {
		switch {
		case len(seg) == width:
			continue
		case len(seg) < width:
			return segments[:i+1]
		default:
			return segments[:i]
		}
	}
	return segments
}

// scanSegments splits the Base64 run at the start of b on whitespace. It
// reports whether the run ended at padding or at a character that cannot
// belong to Base64, as opposed to the end of b.
func scanSegments(b []byte) (segments []string, terminated bool) {
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			segments = append(segments, cur.String())
			cur.Reset()
		}
	}

	for i := 0; i < len(b); i++ {
		c := b[i]
		switch {
		case isBase64Char(c):
			cur.WriteByte(c)
			if c == '=' && (i+1 == len(b) || b[i+1] != '=') {
				flush()
				return segments, true
			}
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			flush()
		case c == '\\' && i+1 < len(b) && (b[i+1] == 'n' || b[i+1] == 'r' || b[i+1] == 't'):
			flush()
			i++
		default:
			flush()
			return segments, true
		}
	}
	flush()
	return segments, false
}

func isBase64Char(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
		c == '+' || c == '/' || c == '='
}

// decodeBase64 decodes s strictly, with or without padding.
func decodeBase64(s string) ([]byte, error) {
	if strings.HasSuffix(s, "=") || len(s)%4 == 0 {
		return base64.StdEncoding.Strict().DecodeString(s)
	}
	return base64.RawStdEncoding.Strict().DecodeString(s)
}
