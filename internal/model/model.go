// Package model defines the entity types shared by the store, engine,
// and every component that needs to talk about folders, files, segments,
// and shares without importing the store's SQL details.
package model

import "time"

type AccessType int

const (
	AccessPublic AccessType = iota
	AccessProtected
	AccessPrivate
)

func (a AccessType) String() string {
	switch a {
	case AccessPublic:
		return "public"
	case AccessProtected:
		return "protected"
	case AccessPrivate:
		return "private"
	default:
		return "unknown"
	}
}

type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

type QueueState int

const (
	QueuePending QueueState = iota
	QueueActive
	QueuePaused
	QueueDone
	QueueFailed
	QueueCancelled
)

func (s QueueState) String() string {
	switch s {
	case QueuePending:
		return "pending"
	case QueueActive:
		return "active"
	case QueuePaused:
		return "paused"
	case QueueDone:
		return "done"
	case QueueFailed:
		return "failed"
	case QueueCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

type User struct {
	ID        string
	PublicKey []byte
	CreatedAt time.Time
}

type FolderStats struct {
	FileCount     int64
	SegmentCount  int64
	TotalBytes    int64
	UploadedBytes int64
	LastScanAt    time.Time
}

type Folder struct {
	ID         string
	OwnerID    string
	Path       string
	FolderKey  []byte // raw key bytes, stored as-is in the folders table
	Access     AccessType
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Stats      FolderStats
}

type File struct {
	ID           string
	FolderID     string
	RelativePath string
	Size         int64
	ModTime      time.Time
	ContentHash  [32]byte // SHA-256 of plaintext
	Version      int      // bumped per relative_path whenever ContentHash changes on rescan
	Packed       bool     // true when stored inside a Pack rather than its own segments
	PackID       string   // set when Packed
}

type Segment struct {
	ID             string
	FileID         string
	PackID         string // set when this segment carries pack contents instead of a single file
	Index          int    // 0-based position within the file or pack
	PlainSize      int64
	CipherSize     int64
	PlainHash      [32]byte
	CipherHash     [32]byte // hash of the sealed bytes, shared by every redundant copy
	Redundancy     int      // number of independent copies posted
	CompressionAlg byte // codec.Algorithm recorded so download knows how to reverse it
	Copies         []SegmentCopy
}

// SegmentCopy is one posted instance of a Segment: a specific
// (newsgroup, subject, message-id) triple.
type SegmentCopy struct {
	Newsgroup      string
	OuterSubject   string
	MessageID      string
	PostedAt       time.Time
}

type Pack struct {
	ID       string
	FolderID string
	Entries  []PackEntry // stable (relative_path, mtime) order
}

// PackEntry describes one small file's placement inside a Pack's inner
// directory.
type PackEntry struct {
	FileID string
	Offset int64
	Length int64
}

type CoreIndex struct {
	FolderID    string
	Version     uint32
	Files       []File
	Segments    []Segment
	Packs       []Pack
	BuiltAt     time.Time
}

type Share struct {
	ID         string
	FolderID   string
	Access     AccessType
	Token      string
	ExpiresAt  *time.Time
	CreatedAt  time.Time
}

type QueueItem struct {
	ID         string
	FolderID   string
	Kind       string // "upload" or "download"
	Priority   Priority
	State      QueueState
	LastError  string
	BytesDone  int64
	BytesTotal int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type SegmentProgress struct {
	QueueItemID string
	SegmentID   string
	Done        bool
	BytesDone   int64
	Attempts    int
	LastError   string
}
