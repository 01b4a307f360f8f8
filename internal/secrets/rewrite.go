package secrets

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
)

const (
	maxSecretBodyBytes = 4 << 20 // 4 MiB limit for decoded bodies
)

var errBodyTooLarge = errors.New("secret body exceeds replacement limit")

// RewriteRequest replaces placeholder tokens in the request's URL path, raw
// query, header values, and body before the broker contacts the upstream.
// It returns the number of replacements. Body failures leave the original
// body intact and surface as the returned error; callers treat them as
// non-fatal.
func (s *Store) RewriteRequest(req *http.Request) (int, error) {
	if s == nil || req == nil || len(s.entries) == 0 {
		return 0, nil
	}

	total := 0
	if req.URL != nil {
		if path := req.URL.Path; path != "" {
			if replaced, n := s.replaceString(path); n > 0 {
				req.URL.Path = replaced
				req.URL.RawPath = ""
				total += n
			}
		}
		if rawQuery := req.URL.RawQuery; rawQuery != "" {
			if replaced, n := s.replaceString(rawQuery); n > 0 {
				req.URL.RawQuery = replaced
				total += n
			}
		}
	}
	total += s.replaceHeaderValues(req.Header)

	n, err := s.replaceBody(req)
	total += n
	return total, err
}

func (s *Store) replaceBody(req *http.Request) (int, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return 0, nil
	}

	encoding := strings.ToLower(strings.TrimSpace(req.Header.Get("Content-Encoding")))
	supported := encoding == "" || encoding == "identity" || encoding == "gzip" || encoding == "deflate" || encoding == "br"
	if !supported {
		return 0, nil
	}

	originalContentLength := req.ContentLength
	originalContentLengthHeader := req.Header.Get("Content-Length")
	originalTransferEncoding := append([]string(nil), req.TransferEncoding...)

	raw, err := io.ReadAll(req.Body)
	if err != nil {
		return 0, err
	}
	_ = req.Body.Close()

	restoreOriginal := func() {
		req.Body = io.NopCloser(bytes.NewReader(raw))
		req.ContentLength = originalContentLength
		if originalContentLengthHeader == "" {
			req.Header.Del("Content-Length")
		} else {
			req.Header.Set("Content-Length", originalContentLengthHeader)
		}
		req.TransferEncoding = append([]string(nil), originalTransferEncoding...)
	}

	switch encoding {
	case "", "identity":
		if len(raw) > maxSecretBodyBytes {
			restoreOriginal()
			return 0, errBodyTooLarge
		}
		updated, n := s.replacePlainBody(raw)
		if n == 0 {
			restoreOriginal()
			return 0, nil
		}
		setBody(req, updated)
		req.Header.Del("Content-Encoding")
		return n, nil
	case "gzip":
		updated, n, err := s.replaceCompressedBody(raw, gzipCodec{})
		if err != nil || n == 0 {
			restoreOriginal()
			return 0, err
		}
		setBody(req, updated)
		req.Header.Set("Content-Encoding", encoding)
		return n, nil
	case "deflate":
		updated, n, err := s.replaceCompressedBody(raw, zlibCodec{})
		if err != nil || n == 0 {
			restoreOriginal()
			return 0, err
		}
		setBody(req, updated)
		req.Header.Set("Content-Encoding", encoding)
		return n, nil
	case "br":
		updated, n, err := s.replaceCompressedBody(raw, brotliCodec{})
		if err != nil || n == 0 {
			restoreOriginal()
			return 0, err
		}
		setBody(req, updated)
		req.Header.Set("Content-Encoding", encoding)
		return n, nil
	}
	return 0, nil
}

type codec interface {
	reader(r io.Reader) (io.Reader, func() error, error)
	writer(w io.Writer) io.WriteCloser
}

type gzipCodec struct{}

func (gzipCodec) reader(r io.Reader) (io.Reader, func() error, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, nil, err
	}
	return gz, gz.Close, nil
}

func (gzipCodec) writer(w io.Writer) io.WriteCloser {
	return gzip.NewWriter(w)
}

type zlibCodec struct{}

func (zlibCodec) reader(r io.Reader) (io.Reader, func() error, error) {
	zr, err := zlib.NewReader(r)
	if err != nil {
		return nil, nil, err
	}
	return zr, zr.Close, nil
}

func (zlibCodec) writer(w io.Writer) io.WriteCloser {
	return zlib.NewWriter(w)
}

type brotliCodec struct{}

func (brotliCodec) reader(r io.Reader) (io.Reader, func() error, error) {
	return brotli.NewReader(r), func() error { return nil }, nil
}

func (brotliCodec) writer(w io.Writer) io.WriteCloser {
	return brotli.NewWriter(w)
}

func (s *Store) replaceCompressedBody(raw []byte, c codec) ([]byte, int, error) {
	reader, closeReader, err := c.reader(bytes.NewReader(raw))
	if err != nil {
		return nil, 0, err
	}
	defer closeReader()

	limited := &io.LimitedReader{R: reader, N: maxSecretBodyBytes + 1}
	decoded, err := io.ReadAll(limited)
	if err != nil {
		return nil, 0, err
	}
	if limited.N <= 0 {
		return nil, 0, errBodyTooLarge
	}

	replaced, n := s.replacePlainBody(decoded)
	if n == 0 {
		return raw, 0, nil
	}

	var buf bytes.Buffer
	writer := c.writer(&buf)
	if _, err := writer.Write(replaced); err != nil {
		writer.Close()
		return nil, 0, err
	}
	if err := writer.Close(); err != nil {
		return nil, 0, err
	}
	return buf.Bytes(), n, nil
}

func (s *Store) replaceHeaderValues(header http.Header) int {
	total := 0
	for key, values := range header {
		updated := false
		newValues := make([]string, len(values))
		for i, value := range values {
			replaced, n := s.replaceString(value)
			if n > 0 {
				total += n
				newValues[i] = replaced
				updated = true
			} else {
				newValues[i] = value
			}
		}
		if updated {
			header[key] = newValues
		}
	}
	return total
}

func (s *Store) replaceString(value string) (string, int) {
	replaced := value
	total := 0
	for _, e := range s.entries {
		n := strings.Count(replaced, e.placeholder)
		if n == 0 {
			continue
		}
		total += n
		replaced = strings.ReplaceAll(replaced, e.placeholder, e.value)
	}
	if total == 0 {
		return value, 0
	}
	return replaced, total
}

func (s *Store) replacePlainBody(data []byte) ([]byte, int) {
	replaced := data
	total := 0
	for _, e := range s.entries {
		n := bytes.Count(replaced, e.placeholderBytes)
		if n == 0 {
			continue
		}
		total += n
		replaced = bytes.ReplaceAll(replaced, e.placeholderBytes, e.valueBytes)
	}
	if total == 0 {
		return data, 0
	}
	return replaced, total
}

func setBody(req *http.Request, data []byte) {
	req.Body = io.NopCloser(bytes.NewReader(data))
	req.ContentLength = int64(len(data))
	req.Header.Set("Content-Length", strconv.Itoa(len(data)))
	req.TransferEncoding = nil
	req.Header.Del("Transfer-Encoding")
}
