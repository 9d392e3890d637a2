// Package manifest builds and parses the Core Index: a compact binary
// description of a folder's files, segments, and packs that lets a
// receiver reconstruct the folder without touching the store. It is a
// bespoke fixed-layout wire format (magic, version, length-prefixed
// tables) with no ecosystem library home, so encoding/binary is used
// directly (see DESIGN.md for the standard-library justification).
package manifest

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/ulikunitz/xz/lzma"

	"github.com/usenetsync/usenetsync/internal/model"
	"github.com/usenetsync/usenetsync/internal/usenetsyncerr"
)

const magic = "USIX"

// CompressionKind identifies which algorithm compressed the manifest's
// wire bytes, recorded in a one-byte header the decompressor reads
// before the magic so Parse never needs to guess.
type CompressionKind byte

const (
	CompressionLZMA CompressionKind = iota
	CompressionGzip
)

// Build serializes idx into its binary wire form and compresses it,
// preferring LZMA and falling back to gzip if the
// LZMA writer cannot be constructed for the running configuration.
func Build(idx model.CoreIndex) ([]byte, error) {
	raw := encode(idx)

	var lzmaBuf bytes.Buffer
	w, err := lzma.NewWriter(&lzmaBuf)
	if err == nil {
		if _, werr := w.Write(raw); werr == nil {
			if cerr := w.Close(); cerr == nil {
				return append([]byte{byte(CompressionLZMA)}, lzmaBuf.Bytes()...), nil
			}
		}
	}

	var gzBuf bytes.Buffer
	gw := gzip.NewWriter(&gzBuf)
	if _, err := gw.Write(raw); err != nil {
		return nil, usenetsyncerr.New(usenetsyncerr.Internal, "manifest.Build", err)
	}
	if err := gw.Close(); err != nil {
		return nil, usenetsyncerr.New(usenetsyncerr.Internal, "manifest.Build", err)
	}
	return append([]byte{byte(CompressionGzip)}, gzBuf.Bytes()...), nil
}

// Parse reverses Build.
func Parse(data []byte) (model.CoreIndex, error) {
	if len(data) < 1 {
		return model.CoreIndex{}, usenetsyncerr.New(usenetsyncerr.Integrity, "manifest.Parse", fmt.Errorf("empty manifest"))
	}
	kind, body := CompressionKind(data[0]), data[1:]

	var raw []byte
	switch kind {
	case CompressionLZMA:
		r, err := lzma.NewReader(bytes.NewReader(body))
		if err != nil {
			return model.CoreIndex{}, usenetsyncerr.New(usenetsyncerr.Integrity, "manifest.Parse", err)
		}
		raw, err = io.ReadAll(r)
		if err != nil {
			return model.CoreIndex{}, usenetsyncerr.New(usenetsyncerr.Integrity, "manifest.Parse", err)
		}
	case CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return model.CoreIndex{}, usenetsyncerr.New(usenetsyncerr.Integrity, "manifest.Parse", err)
		}
		defer r.Close()
		raw, err = io.ReadAll(r)
		if err != nil {
			return model.CoreIndex{}, usenetsyncerr.New(usenetsyncerr.Integrity, "manifest.Parse", err)
		}
	default:
		return model.CoreIndex{}, usenetsyncerr.New(usenetsyncerr.Integrity, "manifest.Parse", fmt.Errorf("unknown compression kind %d", kind))
	}

	return decode(raw)
}

func encode(idx model.CoreIndex) []byte {
	var buf bytes.Buffer
	buf.WriteString(magic)
	writeUint32(&buf, idx.Version)
	buf.WriteString(idx.FolderID)
	buf.WriteByte(0) // NUL-terminate the variable-length folder id

	writeUint32(&buf, uint32(len(idx.Files)))
	for _, f := range idx.Files {
		writeString(&buf, f.ID)
		writeString(&buf, f.RelativePath)
		writeUint64(&buf, uint64(f.Size))
		writeUint64(&buf, uint64(f.ModTime.Unix()))
		buf.Write(f.ContentHash[:])
		writeUint32(&buf, uint32(f.Version))
		if f.Packed {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		writeString(&buf, f.PackID)
	}

	writeUint32(&buf, uint32(len(idx.Segments)))
	for _, s := range idx.Segments {
		writeString(&buf, s.ID)
		writeString(&buf, s.FileID)
		writeString(&buf, s.PackID)
		writeUint32(&buf, uint32(s.Index))
		writeUint64(&buf, uint64(s.PlainSize))
		writeUint64(&buf, uint64(s.CipherSize))
		buf.Write(s.PlainHash[:])
		buf.Write(s.CipherHash[:])
		writeUint32(&buf, uint32(s.Redundancy))
		buf.WriteByte(s.CompressionAlg)

		writeUint32(&buf, uint32(len(s.Copies)))
		for _, c := range s.Copies {
			writeString(&buf, c.Newsgroup)
			writeString(&buf, c.OuterSubject)
			writeString(&buf, c.MessageID)
			writeUint64(&buf, uint64(c.PostedAt.Unix()))
		}
	}

	writeUint32(&buf, uint32(len(idx.Packs)))
	for _, p := range idx.Packs {
		writeString(&buf, p.ID)
		writeUint32(&buf, uint32(len(p.Entries)))
		for _, e := range p.Entries {
			writeString(&buf, e.FileID)
			writeUint64(&buf, uint64(e.Offset))
			writeUint64(&buf, uint64(e.Length))
		}
	}

	return buf.Bytes()
}

func decode(raw []byte) (model.CoreIndex, error) {
	r := bytes.NewReader(raw)
	magicBuf := make([]byte, len(magic))
	if _, err := io.ReadFull(r, magicBuf); err != nil || string(magicBuf) != magic {
		return model.CoreIndex{}, usenetsyncerr.New(usenetsyncerr.Integrity, "manifest.decode", fmt.Errorf("bad magic"))
	}

	idx := model.CoreIndex{BuiltAt: time.Now().UTC()}
	var err error
	if idx.Version, err = readUint32(r); err != nil {
		return model.CoreIndex{}, err
	}
	if idx.FolderID, err = readNulString(r); err != nil {
		return model.CoreIndex{}, err
	}

	fileCount, err := readUint32(r)
	if err != nil {
		return model.CoreIndex{}, err
	}
	idx.Files = make([]model.File, fileCount)
	for i := range idx.Files {
		f := &idx.Files[i]
		if f.ID, err = readString(r); err != nil {
			return model.CoreIndex{}, err
		}
		if f.RelativePath, err = readString(r); err != nil {
			return model.CoreIndex{}, err
		}
		size, err := readUint64(r)
		if err != nil {
			return model.CoreIndex{}, err
		}
		f.Size = int64(size)
		modTime, err := readUint64(r)
		if err != nil {
			return model.CoreIndex{}, err
		}
		f.ModTime = time.Unix(int64(modTime), 0).UTC()
		if _, err := io.ReadFull(r, f.ContentHash[:]); err != nil {
			return model.CoreIndex{}, usenetsyncerr.New(usenetsyncerr.Integrity, "manifest.decode", err)
		}
		version, err := readUint32(r)
		if err != nil {
			return model.CoreIndex{}, err
		}
		f.Version = int(version)
		packedByte, err := r.ReadByte()
		if err != nil {
			return model.CoreIndex{}, usenetsyncerr.New(usenetsyncerr.Integrity, "manifest.decode", err)
		}
		f.Packed = packedByte == 1
		if f.PackID, err = readString(r); err != nil {
			return model.CoreIndex{}, err
		}
	}

	segCount, err := readUint32(r)
	if err != nil {
		return model.CoreIndex{}, err
	}
	idx.Segments = make([]model.Segment, segCount)
	for i := range idx.Segments {
		s := &idx.Segments[i]
		if s.ID, err = readString(r); err != nil {
			return model.CoreIndex{}, err
		}
		if s.FileID, err = readString(r); err != nil {
			return model.CoreIndex{}, err
		}
		if s.PackID, err = readString(r); err != nil {
			return model.CoreIndex{}, err
		}
		index, err := readUint32(r)
		if err != nil {
			return model.CoreIndex{}, err
		}
		s.Index = int(index)
		plainSize, err := readUint64(r)
		if err != nil {
			return model.CoreIndex{}, err
		}
		s.PlainSize = int64(plainSize)
		cipherSize, err := readUint64(r)
		if err != nil {
			return model.CoreIndex{}, err
		}
		s.CipherSize = int64(cipherSize)
		if _, err := io.ReadFull(r, s.PlainHash[:]); err != nil {
			return model.CoreIndex{}, usenetsyncerr.New(usenetsyncerr.Integrity, "manifest.decode", err)
		}
		if _, err := io.ReadFull(r, s.CipherHash[:]); err != nil {
			return model.CoreIndex{}, usenetsyncerr.New(usenetsyncerr.Integrity, "manifest.decode", err)
		}
		redundancy, err := readUint32(r)
		if err != nil {
			return model.CoreIndex{}, err
		}
		s.Redundancy = int(redundancy)

		alg, err := r.ReadByte()
		if err != nil {
			return model.CoreIndex{}, usenetsyncerr.New(usenetsyncerr.Integrity, "manifest.decode", err)
		}
		s.CompressionAlg = alg

		copyCount, err := readUint32(r)
		if err != nil {
			return model.CoreIndex{}, err
		}
		s.Copies = make([]model.SegmentCopy, copyCount)
		for j := range s.Copies {
			c := &s.Copies[j]
			if c.Newsgroup, err = readString(r); err != nil {
				return model.CoreIndex{}, err
			}
			if c.OuterSubject, err = readString(r); err != nil {
				return model.CoreIndex{}, err
			}
			if c.MessageID, err = readString(r); err != nil {
				return model.CoreIndex{}, err
			}
			postedAt, err := readUint64(r)
			if err != nil {
				return model.CoreIndex{}, err
			}
			c.PostedAt = time.Unix(int64(postedAt), 0).UTC()
		}
	}

	packCount, err := readUint32(r)
	if err != nil {
		return model.CoreIndex{}, err
	}
	idx.Packs = make([]model.Pack, packCount)
	for i := range idx.Packs {
		p := &idx.Packs[i]
		if p.ID, err = readString(r); err != nil {
			return model.CoreIndex{}, err
		}
		entryCount, err := readUint32(r)
		if err != nil {
			return model.CoreIndex{}, err
		}
		p.Entries = make([]model.PackEntry, entryCount)
		for j := range p.Entries {
			e := &p.Entries[j]
			if e.FileID, err = readString(r); err != nil {
				return model.CoreIndex{}, err
			}
			offset, err := readUint64(r)
			if err != nil {
				return model.CoreIndex{}, err
			}
			e.Offset = int64(offset)
			length, err := readUint64(r)
			if err != nil {
				return model.CoreIndex{}, err
			}
			e.Length = int64(length)
		}
	}

	return idx, nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeString(buf *bytes.Buffer, s string) {
	writeUint32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, usenetsyncerr.New(usenetsyncerr.Integrity, "manifest.decode", err)
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, usenetsyncerr.New(usenetsyncerr.Integrity, "manifest.decode", err)
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func readString(r io.Reader) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", usenetsyncerr.New(usenetsyncerr.Integrity, "manifest.decode", err)
	}
	return string(b), nil
}

func readNulString(r *bytes.Reader) (string, error) {
	var out []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", usenetsyncerr.New(usenetsyncerr.Integrity, "manifest.decode", err)
		}
		if b == 0 {
			return string(out), nil
		}
		out = append(out, b)
	}
}
