package pipeline

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ledongthuc/pdf"
)

var pdfMagic = []byte("%PDF-")

// DocumentText converts raw uploaded bytes into prompt text. PDF uploads are
// parsed for their plain text; anything else is treated as UTF-8 text.
func DocumentText(data []byte) (string, error) {
	if bytes.HasPrefix(data, pdfMagic) {
		return pdfText(data)
	}
	return string(data), nil
}

func pdfText(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}

	reader, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, reader); err != nil {
		return "", fmt.Errorf("copying pdf text: %w", err)
	}
	return buf.String(), nil
}
