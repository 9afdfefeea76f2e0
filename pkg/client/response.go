package client

import (
	"bufio"
	"io"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/WhileEndless/go-openuri/pkg/constants"
	"github.com/WhileEndless/go-openuri/pkg/errors"
)

func (c *Client) readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	if len(line) >= 2 && line[len(line)-2:] == "\r\n" {
		return line[:len(line)-2], nil
	}
	return strings.TrimRight(line, "\n"), nil
}

// parseStatusLine splits "HTTP/1.1 404 Not Found" into code and reason.
func (c *Client) parseStatusLine(statusLine string) (int, string, error) {
	parts := strings.SplitN(statusLine, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/") {
		return 0, "", errors.NewProtocolError("invalid status line format", nil)
	}

	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 999 {
		return 0, "", errors.NewProtocolError("invalid status code", err)
	}

	var message string
	if len(parts) == 3 {
		message = strings.TrimSpace(parts[2])
	}
	return code, message, nil
}

// readHeaders reads the header block. Names are lowercased; repeated fields
// keep every value in order.
func (c *Client) readHeaders(reader *bufio.Reader) (map[string][]string, error) {
	headers := make(map[string][]string)
	total := 0
	var lastKey string

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, wrapProtocol("reading headers", err)
		}

		total += len(line)
		if total > constants.MaxHeaderBytes {
			return nil, errors.NewProtocolError("headers exceed maximum size", nil)
		}

		if line == "\r\n" || line == "\n" {
			break
		}

		trimmed := strings.TrimRight(line, "\r\n")

		// Handle header continuation (RFC 7230 Section 3.2.4)
		if strings.HasPrefix(trimmed, " ") || strings.HasPrefix(trimmed, "\t") {
			if lastKey == "" {
				continue
			}
			idx := len(headers[lastKey]) - 1
			headers[lastKey][idx] += " " + strings.TrimSpace(trimmed)
			continue
		}

		name, value, ok := strings.Cut(trimmed, ":")
		if !ok {
			continue
		}

		key := strings.ToLower(strings.TrimSpace(name))
		headers[key] = append(headers[key], strings.TrimSpace(value))
		lastKey = key
	}

	return headers, nil
}

// readBody copies the body into dst using the framing announced in headers.
// Chunked trailers are passed to trailer.
func (c *Client) readBody(reader *bufio.Reader, code int, headers map[string][]string, dst io.Writer, trailer func(string, ...string)) error {
	if code == 204 || code == 304 || code < 200 {
		return nil
	}

	transferEncoding := first(headers, "transfer-encoding")
	contentLength := first(headers, "content-length")

	switch {
	case strings.Contains(strings.ToLower(transferEncoding), "chunked"):
		return c.readChunkedBody(reader, dst, trailer)
	case contentLength != "":
		length, err := strconv.ParseInt(strings.TrimSpace(contentLength), 10, 64)
		if err != nil {
			return errors.NewProtocolError("invalid content-length", err)
		}
		// Protect against negative or excessively large Content-Length
		if length < 0 {
			return errors.NewProtocolError("negative content-length not allowed", nil)
		}
		if length > constants.MaxContentLength {
			return errors.NewProtocolError("content-length too large", nil)
		}
		return c.readFixedBody(reader, length, dst)
	default:
		return c.readUntilClose(reader, dst)
	}
}

func first(headers map[string][]string, key string) string {
	if values := headers[key]; len(values) > 0 {
		return values[0]
	}
	return ""
}

func (c *Client) readChunkedBody(r *bufio.Reader, dst io.Writer, trailer func(string, ...string)) error {
	tp := textproto.NewReader(r)
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return wrapProtocol("reading chunk size", err)
		}

		size, err := strconv.ParseInt(strings.TrimSpace(strings.Split(line, ";")[0]), 16, 64)
		if err != nil || size < 0 {
			return errors.NewProtocolError("invalid chunk size", err)
		}

		if size == 0 {
			break
		}

		if _, err := io.CopyN(dst, tp.R, size); err != nil {
			return wrapIO("reading chunk body", err)
		}

		crlf := make([]byte, 2)
		if _, err := io.ReadFull(tp.R, crlf); err != nil {
			return wrapIO("reading chunk CRLF", err)
		}
	}

	// Read trailers
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return wrapProtocol("reading chunk trailer", err)
		}

		if line == "" {
			break
		}

		if name, value, ok := strings.Cut(line, ":"); ok {
			trailer(strings.TrimSpace(name), strings.TrimSpace(value))
		}
	}

	return nil
}

func (c *Client) readFixedBody(r *bufio.Reader, length int64, dst io.Writer) error {
	if length <= 0 {
		return nil
	}

	_, err := io.CopyN(dst, r, length)
	if err != nil {
		return wrapIO("reading fixed body", err)
	}

	return nil
}

func (c *Client) readUntilClose(r *bufio.Reader, dst io.Writer) error {
	_, err := io.Copy(dst, r)
	if err != nil && err != io.EOF {
		return wrapIO("reading until close", err)
	}

	return nil
}

func wrapProtocol(op string, err error) error {
	if _, ok := errors.AsError(err); ok {
		return err
	}
	return errors.NewProtocolError(op, err)
}
