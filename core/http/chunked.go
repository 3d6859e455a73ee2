package http

import "errors"

// decodeChunked decodes a chunked body at the front of buf. It returns the
// body and the bytes used, including the last chunk and trailers.
//
// The first pass only walks the size lines, so a body still arriving is
// rescanned at the cost of its chunk count rather than its length. Data is
// copied once the terminating chunk and trailers are in.
func decodeChunked(buf []byte, maxBody int64, maxTrailer int) ([]byte, int, error) {
	size, end, err := scanChunked(buf, maxBody, maxTrailer)
	if err != nil {
		return nil, 0, err
	}

	body := make([]byte, 0, size)
	pos := 0
	for {
		line, next, _ := readLine(buf, pos)
		n, _ := parseChunkSize(line)
		pos = next
		if n == 0 {
			break
		}
		body = append(body, buf[pos:pos+int(n)]...)
		pos += int(n) + 2
	}
	return body, end, nil
}

func scanChunked(buf []byte, maxBody int64, maxTrailer int) (int64, int, error) {
	var size int64
	pos := 0
	for {
		line, next, err := readLine(buf, pos)
		if err != nil {
			if errors.Is(err, ErrIncomplete) && len(buf)-pos <= maxChunkLine {
				return 0, 0, ErrIncomplete
			}
			return 0, 0, parseErr(StatusBadRequest, ErrInvalidChunk)
		}
		if next-pos > maxChunkLine {
			return 0, 0, parseErr(StatusBadRequest, ErrInvalidChunk)
		}
		n, ok := parseChunkSize(line)
		if !ok {
			return 0, 0, parseErr(StatusBadRequest, ErrInvalidChunk)
		}
		pos = next

		if n == 0 {
			return size, pos, skipTrailers(buf, &pos, maxTrailer)
		}
		if n > uint64(maxBody-size) {
			return 0, 0, parseErr(StatusRequestEntityTooLarge, ErrBodyTooLarge)
		}
		size += int64(n)

		if uint64(len(buf)-pos) < n+2 {
			return 0, 0, ErrIncomplete
		}
		pos += int(n)
		if buf[pos] != '\r' || buf[pos+1] != '\n' {
			return 0, 0, parseErr(StatusBadRequest, ErrInvalidChunk)
		}
		pos += 2
	}
}

// skipTrailers advances past the trailer section. Trailer fields are
// validated and discarded.
func skipTrailers(buf []byte, pos *int, maxTrailer int) error {
	start := *pos
	for {
		line, next, err := readLine(buf, *pos)
		if err != nil {
			if errors.Is(err, ErrIncomplete) {
				if len(buf)-start > maxTrailer {
					return parseErr(StatusRequestHeaderFieldsTooLarge, ErrHeadersTooLarge)
				}
				return ErrIncomplete
			}
			return parseErr(StatusBadRequest, ErrInvalidChunk)
		}
		*pos = next
		if len(line) == 0 {
			return nil
		}
		var discard Header
		if err := parseHeaderLine(&discard, line); err != nil {
			return err
		}
	}
}

// parseChunkSize reads the hex size, ignoring any extensions.
func parseChunkSize(line []byte) (uint64, bool) {
	for i, c := range line {
		if c == ';' {
			line = line[:i]
			break
		}
	}
	for len(line) > 0 && (line[len(line)-1] == ' ' || line[len(line)-1] == '\t') {
		line = line[:len(line)-1]
	}
	if len(line) == 0 || len(line) > 16 {
		return 0, false
	}
	var n uint64
	for _, c := range line {
		var d byte
		switch {
		case c >= '0' && c <= '9':
			d = c - '0'
		case c >= 'a' && c <= 'f':
			d = c - 'a' + 10
		case c >= 'A' && c <= 'F':
			d = c - 'A' + 10
		default:
			return 0, false
		}
		n = n<<4 | uint64(d)
	}
	return n, true
}
