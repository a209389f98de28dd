package params

import (
	"bytes"
	"fmt"
	"mime"
	"mime/multipart"
	"net/textproto"
	"os"
	"path/filepath"
	"sort"

	"github.com/gabriel-vasile/mimetype"
)

// FileParam names the parameter whose value is a local file path in mime
// requests. The file content is attached instead of the path.
const FileParam = "file"

const octetStream = "application/octet-stream"

// Part is a binary multipart field supplied outside the regular parameters.
type Part struct {
	Content []byte

	// ContentType is sniffed from Content when empty.
	ContentType string

	// Filename is added to the Content-Disposition header when set.
	Filename string
}

// EncodeMultipart builds a multipart/form-data body from s and parts. It
// returns the body and the Content-Type header including the boundary.
func EncodeMultipart(s Set, parts map[string]Part, enc string) ([]byte, string, error) {
	for k := range parts {
		if _, ok := s[k]; ok {
			return nil, "", fmt.Errorf("%w: %q", ErrMimeConflict, k)
		}
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for _, k := range s.Keys() {
		var part Part
		if k == FileParam {
			p, err := filePart(s.Get(k))
			if err != nil {
				return nil, "", err
			}
			part = p
		} else {
			val, err := encodeValue(k, s.Get(k), enc)
			if err != nil {
				return nil, "", err
			}
			part = Part{Content: val}
		}
		if err := writePart(w, k, part); err != nil {
			return nil, "", err
		}
	}

	keys := make([]string, 0, len(parts))
	for k := range parts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := writePart(w, k, parts[k]); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart body: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func filePart(path string) (Part, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Part{}, fmt.Errorf("read upload file: %w", err)
	}
	ctype := mime.TypeByExtension(filepath.Ext(path))
	if ctype == "" {
		ctype = octetStream
	}
	return Part{Content: content, ContentType: ctype, Filename: path}, nil
}

func writePart(w *multipart.Writer, name string, p Part) error {
	ctype := p.ContentType
	if ctype == "" {
		ctype = SniffContentType(p.Content)
	}

	disposition := fmt.Sprintf(`form-data; name=%q`, name)
	if p.Filename != "" {
		disposition += fmt.Sprintf(`; filename=%q`, filepath.Base(p.Filename))
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", disposition)
	h.Set("Content-Type", ctype)

	pw, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create part %q: %w", name, err)
	}
	if _, err := pw.Write(p.Content); err != nil {
		return fmt.Errorf("write part %q: %w", name, err)
	}
	return nil
}

// SniffContentType types a part body: ASCII is text/plain, anything else is
// detected from its content and defaults to application/octet-stream.
func SniffContentType(content []byte) string {
	if isASCII(content) {
		return "text/plain"
	}
	if m := mimetype.Detect(content); m != nil {
		return m.String()
	}
	return octetStream
}

func isASCII(b []byte) bool {
	for _, c := range b {
		if c > 0x7f {
			return false
		}
	}
	return true
}
