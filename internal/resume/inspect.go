// Package resume checks a resume PDF locally before it is uploaded.
package resume

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/ledongthuc/pdf"
)

// MaxSize is the largest resume accepted for upload.
const MaxSize = 10 << 20

const previewLen = 280

var (
	ErrEmpty    = errors.New("resume is empty")
	ErrTooLarge = fmt.Errorf("resume exceeds %d MB", MaxSize>>20)
	ErrNotPDF   = errors.New("resume is not a PDF document")
	ErrNoPages  = errors.New("resume has no pages")
)

// Info describes an inspected resume.
type Info struct {
	Pages   int
	Preview string // first words of the extracted text, may be empty
}

// Inspect parses data as a PDF and returns its page count and a short text
// preview. Text extraction is best effort; a PDF that parses and has pages
// is accepted even when no text can be recovered.
func Inspect(data []byte) (info Info, err error) {
	switch {
	case len(data) == 0:
		return Info{}, ErrEmpty
	case len(data) > MaxSize:
		return Info{}, ErrTooLarge
	case !bytes.HasPrefix(data, []byte("%PDF-")):
		return Info{}, ErrNotPDF
	}

	// The parser panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			info, err = Info{}, fmt.Errorf("%w: %v", ErrNotPDF, r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrNotPDF, err)
	}
	n := r.NumPage()
	if n < 1 {
		return Info{}, ErrNoPages
	}
	return Info{Pages: n, Preview: preview(r, n)}, nil
}

func preview(r *pdf.Reader, pages int) (out string) {
	defer func() {
		if recover() != nil {
			out = ""
		}
	}()

	var b strings.Builder
	for i := 1; i <= pages && b.Len() < previewLen; i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			continue
		}
		b.WriteString(text)
		b.WriteByte(' ')
	}
	return truncate(strings.Join(strings.FieldsFunc(b.String(), unicode.IsSpace), " "), previewLen)
}

func truncate(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n])
}
