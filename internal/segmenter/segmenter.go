// Package segmenter splits files into fixed-size segments and packs
// small files together below a size threshold, the local-file analogue
// of rclone's backend/chunker splitting a large remote object into
// fixed-size chunks plus a metadata directory: where chunker's metadata
// object describes a chunk set for one large object, this package's Pack
// directory describes many small files sharing one segment stream.
package segmenter

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/usenetsync/usenetsync/internal/crypto"
)

// PlainSegment is one fixed-size slice of a file's plaintext, read but
// not yet compressed or encrypted.
type PlainSegment struct {
	Index int
	Data  []byte
	Hash  [32]byte
}

// SegmentFile streams path in segmentSize chunks, calling emit for each
// one in order. The caller is responsible for compression/encryption and
// posting; SegmentFile only owns the read-and-slice step so it can be
// reused for both the standalone-file and pack-member cases.
func SegmentFile(path string, segmentSize int64, emit func(PlainSegment) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("segmenter: open %s: %w", path, err)
	}
	defer f.Close()

	br := bufio.NewReaderSize(f, int(minInt64(segmentSize, 4<<20)))
	buf := make([]byte, segmentSize)
	for index := 0; ; index++ {
		n, readErr := io.ReadFull(br, buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if err := emit(PlainSegment{Index: index, Data: chunk, Hash: crypto.Hash256(chunk)}); err != nil {
				return err
			}
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("segmenter: read %s: %w", path, readErr)
		}
	}
}

// SegmentBytes slices an in-memory payload (typically a Pack's flattened
// output) into segmentSize chunks the same way SegmentFile does for an
// on-disk file, without requiring the caller to write it to a temp file
// first.
func SegmentBytes(data []byte, segmentSize int64, emit func(PlainSegment) error) error {
	if segmentSize <= 0 {
		return fmt.Errorf("segmenter: segment size must be positive")
	}
	for index := 0; int64(index)*segmentSize < int64(len(data)); index++ {
		start := int64(index) * segmentSize
		end := start + segmentSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		chunk := make([]byte, end-start)
		copy(chunk, data[start:end])
		if err := emit(PlainSegment{Index: index, Data: chunk, Hash: crypto.Hash256(chunk)}); err != nil {
			return err
		}
	}
	return nil
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// ReassembleFile writes segments (already decrypted and decompressed, in
// index order) to w.
func ReassembleFile(w io.Writer, segments [][]byte) error {
	for _, s := range segments {
		if _, err := w.Write(s); err != nil {
			return fmt.Errorf("segmenter: write reassembled data: %w", err)
		}
	}
	return nil
}

// PackMember is one small file queued for inclusion in a Pack.
type PackMember struct {
	RelativePath string
	ModTime      time.Time
	Data         []byte
}

// PackEntry locates one member's bytes inside the pack's flattened
// payload.
type PackEntry struct {
	RelativePath string
	Offset       int64
	Length       int64
}

// Pack concatenates members (sorted by (RelativePath, ModTime) for
// deterministic output across repeated runs) and
// returns the flattened payload plus a directory describing each
// member's placement, ready to be segmented like any other file.
func Pack(members []PackMember) ([]byte, []PackEntry) {
	sorted := make([]PackMember, len(members))
	copy(sorted, members)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].RelativePath != sorted[j].RelativePath {
			return sorted[i].RelativePath < sorted[j].RelativePath
		}
		return sorted[i].ModTime.Before(sorted[j].ModTime)
	})

	var payload []byte
	entries := make([]PackEntry, 0, len(sorted))
	var offset int64
	for _, m := range sorted {
		entries = append(entries, PackEntry{
			RelativePath: m.RelativePath,
			Offset:       offset,
			Length:       int64(len(m.Data)),
		})
		payload = append(payload, m.Data...)
		offset += int64(len(m.Data))
	}
	return payload, entries
}

// Unpack extracts one member's bytes from a reassembled pack payload.
func Unpack(payload []byte, entry PackEntry) ([]byte, error) {
	if entry.Offset < 0 || entry.Offset+entry.Length > int64(len(payload)) {
		return nil, fmt.Errorf("segmenter: pack entry %s out of bounds", entry.RelativePath)
	}
	out := make([]byte, entry.Length)
	copy(out, payload[entry.Offset:entry.Offset+entry.Length])
	return out, nil
}

// ShouldFillPack reports whether payloadSize has reached fill*segmentSize,
// the point at which the upload engine closes the current pack and opens
// a new one rather than letting it grow unbounded.
func ShouldFillPack(payloadSize int64, segmentSize int64, fill float64) bool {
	return float64(payloadSize) >= float64(segmentSize)*fill
}
