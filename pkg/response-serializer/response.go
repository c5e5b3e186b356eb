package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// StoredAtHeaderName carries the store time (Unix milliseconds) inside the serialized response.
const StoredAtHeaderName = "Sw-Cache-Time"

// StoredResponse is the serializable form of a cache entry.
type StoredResponse struct {
	Method   string
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

var delim = []byte("\r\n\r\n----\r\n\r\n")

// Marshal writes the request line, a delimiter and the HTTP/1.1 representation of the response.
func Marshal(s StoredResponse) ([]byte, error) {
	if s.Method == "" || s.URL == "" {
		return nil, fmt.Errorf("stored response without request line")
	}
	buf := &bytes.Buffer{}
	buf.WriteString(s.Method + " " + s.URL)
	buf.Write(delim)

	header := s.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set(StoredAtHeaderName, strconv.FormatInt(s.StoredAt.UnixMilli(), 10))
	res := &http.Response{
		StatusCode:    s.Status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
	}
	if err := res.Write(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal is the inverse of Marshal.
func Unmarshal(b []byte) (StoredResponse, error) {
	s := StoredResponse{}
	parts := bytes.SplitN(b, delim, 2)
	if len(parts) != 2 {
		return s, fmt.Errorf("stored response: missing delimiter")
	}
	method, url, found := strings.Cut(string(parts[0]), " ")
	if !found {
		return s, fmt.Errorf("stored response: malformed request line %q", parts[0])
	}
	s.Method = method
	s.URL = url

	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(parts[1])), nil)
	if err != nil {
		return s, err
	}
	defer res.Body.Close()
	if s.Body, err = io.ReadAll(res.Body); err != nil {
		return s, err
	}
	storedAt, err := strconv.ParseInt(res.Header.Get(StoredAtHeaderName), 10, 64)
	if err != nil {
		return s, fmt.Errorf("stored response: %s header: %w", StoredAtHeaderName, err)
	}
	s.StoredAt = time.UnixMilli(storedAt)
	s.Status = res.StatusCode
	// delete extra headers
	res.Header.Del(StoredAtHeaderName)
	res.Header.Del("Content-Length")
	s.Header = res.Header
	return s, nil
}
