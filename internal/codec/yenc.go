// Package codec implements the wire-level transforms applied to a
// segment's bytes before posting: yEnc encoding (the Usenet binary
// framing convention) and compression candidate selection. No ecosystem
// Go module implements yEnc to this article format's exact framing
// (=ybegin/=ypart/=yend lines); this is a from-scratch codec grounded on
// the algorithmic description shared by the yEnc-aware tools in the
// retrieval pack (mnightingale/rapidyenc, javi11/nxg) rather than an
// import, justified in DESIGN.md as a bespoke-wire-format exception.
package codec

import (
	"bufio"
	"bytes"
	"fmt"
	"hash/crc32"
	"io"
)

const (
	yEncLineLength = 128
	yEncShift      = 42
	yEncEscape     = 64
)

// needsEscape reports whether an encoded byte must be escaped. NUL, LF,
// CR, and the escape character itself are always escaped, regardless of
// column position.
func needsEscape(b byte, col int) bool {
	switch b {
	case 0x00, 0x0A, 0x0D, '=':
		return true
	}
	// A '.' at the start of a line would be read as the dot-stuffing
	// terminator by the NNTP transport layer.
	if b == '.' && col == 0 {
		return true
	}
	return false
}

// YEncEncode transforms plaintext into yEnc-framed output lines
// (=ybegin/data lines/=yend), wrapping at yEncLineLength columns.
func YEncEncode(w io.Writer, name string, part, totalParts int, data []byte) error {
	crc := crc32.ChecksumIEEE(data)
	bw := bufio.NewWriter(w)

	if totalParts > 1 {
		fmt.Fprintf(bw, "=ybegin part=%d total=%d line=%d size=%d name=%s\r\n", part, totalParts, yEncLineLength, len(data), name)
		fmt.Fprintf(bw, "=ypart begin=1 end=%d\r\n", len(data))
	} else {
		fmt.Fprintf(bw, "=ybegin line=%d size=%d name=%s\r\n", yEncLineLength, len(data), name)
	}

	col := 0
	for _, b := range data {
		enc := byte(int(b) + yEncShift)
		if needsEscape(enc, col) {
			bw.WriteByte('=')
			enc = byte(int(enc) + yEncEscape)
			col++
		}
		bw.WriteByte(enc)
		col++
		if col >= yEncLineLength {
			bw.WriteString("\r\n")
			col = 0
		}
	}
	if col != 0 {
		bw.WriteString("\r\n")
	}

	if totalParts > 1 {
		fmt.Fprintf(bw, "=yend size=%d part=%d pcrc32=%08x\r\n", len(data), part, crc)
	} else {
		fmt.Fprintf(bw, "=yend size=%d crc32=%08x\r\n", len(data), crc)
	}
	return bw.Flush()
}

// YEncDecode reverses YEncEncode, returning the original plaintext and
// verifying its CRC32 against the trailer.
func YEncDecode(r io.Reader) ([]byte, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var out bytes.Buffer
	var wantCRC uint32
	haveCRC := false
	sawBegin := false
	sawEnd := false

	for scanner.Scan() {
		line := scanner.Bytes()
		switch {
		case bytes.HasPrefix(line, []byte("=ybegin")):
			sawBegin = true
			continue
		case bytes.HasPrefix(line, []byte("=ypart")):
			continue
		case bytes.HasPrefix(line, []byte("=yend")):
			sawEnd = true
			if crc, ok := parseCRC(line); ok {
				wantCRC, haveCRC = crc, true
			}
			continue
		}
		decodeLine(&out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("codec: yenc decode: %w", err)
	}
	if !sawBegin || !sawEnd {
		return nil, fmt.Errorf("codec: yenc decode: missing begin/end framing")
	}
	if haveCRC {
		if got := crc32.ChecksumIEEE(out.Bytes()); got != wantCRC {
			return nil, fmt.Errorf("codec: yenc decode: crc32 mismatch: got %08x want %08x", got, wantCRC)
		}
	}
	return out.Bytes(), nil
}

func decodeLine(out *bytes.Buffer, line []byte) {
	for i := 0; i < len(line); i++ {
		b := line[i]
		if b == '=' && i+1 < len(line) {
			i++
			b = byte(int(line[i]) - yEncEscape)
			out.WriteByte(byte(int(b) - yEncShift))
			continue
		}
		out.WriteByte(byte(int(b) - yEncShift))
	}
}

func parseCRC(line []byte) (uint32, bool) {
	idx := bytes.Index(line, []byte("crc32="))
	if idx < 0 {
		idx = bytes.Index(line, []byte("pcrc32="))
		if idx < 0 {
			return 0, false
		}
		idx += len("pcrc32=")
	} else {
		idx += len("crc32=")
	}
	end := idx
	for end < len(line) && isHex(line[end]) {
		end++
	}
	var v uint32
	_, err := fmt.Sscanf(string(line[idx:end]), "%08x", &v)
	return v, err == nil
}

func isHex(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F')
}

// EncodeArticleBody renders data as a complete yEnc article body ready
// to hand to the transport: =ybegin framing, encoded lines, =yend
// trailer.
func EncodeArticleBody(name string, part, totalParts int, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := YEncEncode(&buf, name, part, totalParts, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeArticleBody reverses EncodeArticleBody on a fetched article's
// body bytes.
func DecodeArticleBody(body []byte) ([]byte, error) {
	return YEncDecode(bytes.NewReader(body))
}
