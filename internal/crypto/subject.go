package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"io"
)

// subjectEncoding avoids padding characters so obfuscated subjects read
// as a single clean token in an NNTP header.
var subjectEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// InnerSubject deterministically derives the same obfuscated subject for
// (folderKey, fileID, segmentIndex) every time it is computed, the way
// rclone's backend/crypt derives one deterministic obfuscated name per
// plaintext filename: given the same folder and segment coordinates, any
// uploader session recomputes the identical subject, which is what lets
// resume find segments it already posted.
func InnerSubject(subjectKey Key, fileID string, segmentIndex int) (string, error) {
	h := subkeyedMAC(subjectKey, fileID, segmentIndex)
	return subjectEncoding.EncodeToString(h[:]), nil
}

// OuterSubject wraps an inner subject with fresh random entropy so the
// subject posted to the wire differs every time, even across redundant
// copies of the same segment. The inner subject stays readable as the
// part before the final '.'.
func OuterSubject(prefix string) (string, error) {
	token := make([]byte, 12)
	if _, err := io.ReadFull(rand.Reader, token); err != nil {
		return "", fmt.Errorf("crypto: generate outer subject token: %w", err)
	}
	return fmt.Sprintf("%s.%s", prefix, subjectEncoding.EncodeToString(token)), nil
}

func subkeyedMAC(key Key, fileID string, segmentIndex int) [32]byte {
	buf := make([]byte, len(fileID)+8)
	copy(buf, fileID)
	binary.LittleEndian.PutUint64(buf[len(fileID):], uint64(segmentIndex))

	mac := hmac.New(sha256.New, key[:])
	mac.Write(buf)
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}
