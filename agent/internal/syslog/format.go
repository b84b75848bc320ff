package syslog

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"
)

const (
	// Version is the protocol version token written after PRI.
	Version = "1"

	// TimestampLayout renders RFC 3339 with fixed microsecond precision.
	TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

	// DefaultMaxSize is the frame limit applied when FormatOptions.MaxSize
	// is zero. RFC 5425 receivers must accept at least 2048 bytes and
	// should accept 8192.
	DefaultMaxSize = 8192

	// DefaultSDID is the structured data element name.
	DefaultSDID = "meta"

	nilValue      = "-"
	maxHostname   = 255
	maxAppName    = 48
	maxSDNameSize = 32
)

var (
	// ErrFrameTooLarge means the formatted record exceeds MaxSize.
	ErrFrameTooLarge = errors.New("syslog: formatted message exceeds frame size")

	// ErrInvalidFieldName means a structured data key is not a valid SD-NAME.
	ErrInvalidFieldName = errors.New("syslog: invalid structured data name")

	// ErrInvalidPriority means severity or facility is out of range.
	ErrInvalidPriority = errors.New("syslog: invalid severity or facility")
)

// FormatError describes why a message could not be formatted.
type FormatError struct {
	Field string
	Err   error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("syslog: format %s: %v", e.Field, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// Message is one log record before encoding.
type Message struct {
	Severity  Severity
	Facility  Facility
	Timestamp time.Time
	Hostname  string
	AppName   string
	Fields    map[string]string
	Body      string
}

// FormatOptions tunes Format. The zero value is usable.
type FormatOptions struct {
	// MaxSize is the largest frame Format will produce, terminator
	// included. Zero means DefaultMaxSize; negative disables the check.
	MaxSize int

	// UTC renders timestamps in UTC instead of their own location.
	UTC bool

	// SDID names the structured data element. Empty means DefaultSDID.
	SDID string
}

// Format encodes m as one newline-terminated RFC 5424 record.
func Format(m Message, opts FormatOptions) ([]byte, error) {
	if !m.Severity.Valid() || !m.Facility.Valid() {
		return nil, &FormatError{Field: "priority", Err: ErrInvalidPriority}
	}
	sdid := opts.SDID
	if sdid == "" {
		sdid = DefaultSDID
	}
	if err := checkSDName(sdid); err != nil {
		return nil, &FormatError{Field: "sd-id", Err: err}
	}

	sd, err := formatStructured(sdid, m.Fields)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteByte('<')
	b.WriteString(strconv.Itoa(Priority(m.Facility, m.Severity)))
	b.WriteByte('>')
	b.WriteString(Version)
	b.WriteByte(' ')
	b.WriteString(formatTimestamp(m.Timestamp, opts.UTC))
	b.WriteByte(' ')
	b.WriteString(Token(m.Hostname, maxHostname))
	b.WriteByte(' ')
	b.WriteString(Token(m.AppName, maxAppName))
	b.WriteString(" - - ")
	b.WriteString(sd)
	if body := SanitizeBody(m.Body); body != "" {
		b.WriteByte(' ')
		b.WriteString(body)
	}
	b.WriteByte('\n')

	max := opts.MaxSize
	if max == 0 {
		max = DefaultMaxSize
	}
	if max > 0 && b.Len() > max {
		return nil, &FormatError{Field: "body",
			Err: fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, b.Len(), max)}
	}
	return []byte(b.String()), nil
}

func formatTimestamp(t time.Time, utc bool) string {
	if t.IsZero() {
		return nilValue
	}
	if utc {
		t = t.UTC()
	}
	return t.Format(TimestampLayout)
}

// Token turns s into a header field: whitespace and control characters
// removed, non-ASCII dropped, cut to max bytes. An empty result becomes the
// NILVALUE "-".
func Token(s string, max int) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsSpace(r) || r < '!' || r > '~' {
			continue
		}
		if b.Len() >= max {
			break
		}
		b.WriteRune(r)
	}
	if b.Len() == 0 {
		return nilValue
	}
	return b.String()
}

// SanitizeBody makes body a single line of valid UTF-8: CRLF, CR and LF
// each become one space.
func SanitizeBody(body string) string {
	body = strings.ToValidUTF8(body, "�")
	if !strings.ContainsAny(body, "\r\n") {
		return body
	}
	return strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ").Replace(body)
}

// formatStructured renders [sdid k="v" ...] with keys in sorted order.
func formatStructured(sdid string, fields map[string]string) (string, error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if err := checkSDName(k); err != nil {
			return "", &FormatError{Field: "structured data key " + strconv.Quote(k), Err: err}
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(sdid)
	for _, k := range keys {
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteString(`="`)
		b.WriteString(EscapeParamValue(fields[k]))
		b.WriteByte('"')
	}
	b.WriteByte(']')
	return b.String(), nil
}

// EscapeParamValue escapes \, " and ] with a backslash (RFC 5424 §6.3.3)
// and replaces line breaks so the value stays on one line.
func EscapeParamValue(v string) string {
	v = SanitizeBody(v)
	if !strings.ContainsAny(v, `\"]`) {
		return v
	}
	var b strings.Builder
	b.Grow(len(v) + 4)
	for i := 0; i < len(v); i++ {
		switch c := v[i]; c {
		case '\\', '"', ']':
			b.WriteByte('\\')
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// checkSDName validates an SD-NAME: 1 to 32 printable US-ASCII characters
// except '=', space, ']' and '"'.
func checkSDName(name string) error {
	if name == "" || len(name) > maxSDNameSize {
		return fmt.Errorf("%w: length %d", ErrInvalidFieldName, len(name))
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c < '!' || c > '~' || c == '=' || c == ']' || c == '"' {
			return fmt.Errorf("%w: %q", ErrInvalidFieldName, name)
		}
	}
	return nil
}
