// Package upload implements the queue-driven, worker-pool upload
// engine: segment a folder's files, compress, encrypt, and yEnc-encode
// each segment, post it (with redundancy) under an obfuscated subject,
// and record progress so an interrupted upload resumes from the first
// unposted segment. The worker pool is an errgroup of UPLOAD_WORKERS
// posting workers fed by a bounded job queue, so a fast segmenter
// throttles instead of buffering unboundedly.
package upload

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/usenetsync/usenetsync/internal/codec"
	"github.com/usenetsync/usenetsync/internal/crypto"
	"github.com/usenetsync/usenetsync/internal/metrics"
	"github.com/usenetsync/usenetsync/internal/model"
	"github.com/usenetsync/usenetsync/internal/nntp"
	"github.com/usenetsync/usenetsync/internal/retry"
	"github.com/usenetsync/usenetsync/internal/segmenter"
	"github.com/usenetsync/usenetsync/internal/usenetsyncerr"
)

// Store is the subset of *store.Store the upload engine needs, kept as
// an interface so engine tests can substitute a fake without a real
// database.
type Store interface {
	ListFiles(ctx context.Context, folderID string) ([]model.File, error)
	InsertSegments(ctx context.Context, segments []model.Segment) error
	RecordSegmentCopy(ctx context.Context, segmentID string, copy model.SegmentCopy) error
	ListSegmentCopies(ctx context.Context, segmentID string) ([]model.SegmentCopy, error)
	SetQueueItemState(ctx context.Context, id string, state model.QueueState, lastError string) error
	UpsertSegmentProgress(ctx context.Context, p model.SegmentProgress) error
	ListDoneSegments(ctx context.Context, queueItemID string) (map[string]bool, error)
}

// Options configures one Engine instance.
type Options struct {
	Workers    int
	Redundancy int
	Newsgroups []string
	// CompressMinGain is the fraction a segment must shrink by before
	// its compressed form is posted instead of the plaintext.
	CompressMinGain float64
	SegmentSize     int64
	FromHeader      string
}

type Engine struct {
	store     Store
	transport nntp.Transporter
	metrics   *metrics.Counters
	log       *logrus.Entry
	pacer     *retry.Pacer
	opt       Options
}

func New(store Store, transport nntp.Transporter, m *metrics.Counters, log *logrus.Entry, opt Options) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if m == nil {
		m = &metrics.Counters{}
	}
	if opt.Workers <= 0 {
		opt.Workers = 10
	}
	if opt.Redundancy <= 0 {
		opt.Redundancy = 1
	}
	return &Engine{
		store:     store,
		transport: transport,
		metrics:   m,
		log:       log,
		pacer:     retry.New(retry.TransportPolicy, log),
		opt:       opt,
	}
}

// PlainSegmentSource supplies an owner's segments; a closure over
// segmenter.SegmentFile serves on-disk files, one over
// segmenter.SegmentBytes a pack's flattened payload, and tests
// substitute in-memory sources.
type PlainSegmentSource func(emit func(segmenter.PlainSegment) error) error

// owner identifies what a segment stream belongs to: exactly one of
// fileID/packID is set, mirroring the segments table's split.
type owner struct {
	fileID string
	packID string
}

func (o owner) id() string {
	if o.fileID != "" {
		return o.fileID
	}
	return o.packID
}

// rowBatchSize is how many segment rows accumulate before one bulk
// insert, matching the store's batching guarantee.
const rowBatchSize = 1000

// UploadFile segments a single file (already indexed into the store) and
// posts every segment with the configured redundancy, resuming from
// queueItemID's recorded progress when some segments were already posted
// in a prior, interrupted run.
func (e *Engine) UploadFile(ctx context.Context, queueItemID string, file model.File, folderKey crypto.Key, source PlainSegmentSource) error {
	return e.uploadSegments(ctx, queueItemID, owner{fileID: file.ID}, folderKey, source, totalSegmentsFor(file.Size, e.opt.SegmentSize))
}

// UploadPack posts a pack's flattened payload the same way UploadFile
// posts a file's bytes; the pack's inner directory already lives in the
// store and travels to receivers inside the Core Index.
func (e *Engine) UploadPack(ctx context.Context, queueItemID, packID string, folderKey crypto.Key, payload []byte) error {
	source := func(emit func(segmenter.PlainSegment) error) error {
		return segmenter.SegmentBytes(payload, e.opt.SegmentSize, emit)
	}
	return e.uploadSegments(ctx, queueItemID, owner{packID: packID}, folderKey, source, totalSegmentsFor(int64(len(payload)), e.opt.SegmentSize))
}

func totalSegmentsFor(size, segmentSize int64) int {
	if segmentSize <= 0 {
		return 1
	}
	n := int((size + segmentSize - 1) / segmentSize)
	if n < 1 {
		n = 1
	}
	return n
}

// postJob is one sealed segment waiting for a posting worker.
type postJob struct {
	row    model.Segment
	sealed []byte
}

// uploadSegments streams the owner's plaintext through compress/seal
// and into a bounded job queue drained by the posting workers. The
// queue holds at most twice the worker count, so a fast segmenter
// blocks rather than buffering a whole file's ciphertext in memory,
// which in turn throttles whatever is feeding it.
func (e *Engine) uploadSegments(ctx context.Context, queueItemID string, own owner, folderKey crypto.Key, source PlainSegmentSource, totalSegments int) error {
	segmentKey, err := crypto.Subkey(folderKey, "segment_encryption")
	if err != nil {
		return err
	}
	subjectKey, err := crypto.Subkey(folderKey, "subject_obfuscation")
	if err != nil {
		return err
	}

	done, err := e.store.ListDoneSegments(ctx, queueItemID)
	if err != nil {
		return err
	}

	jobs := make(chan postJob, 2*e.opt.Workers)
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < e.opt.Workers; w++ {
		g.Go(func() error {
			for job := range jobs {
				if err := e.postSegmentWithRedundancy(gctx, queueItemID, job.row, totalSegments, subjectKey, job.sealed); err != nil {
					return err
				}
			}
			return nil
		})
	}

	var rowBatch []model.Segment
	flushRows := func() error {
		if len(rowBatch) == 0 {
			return nil
		}
		if err := e.store.InsertSegments(ctx, rowBatch); err != nil {
			return err
		}
		rowBatch = nil
		return nil
	}

	produceErr := source(func(ps segmenter.PlainSegment) error {
		segmentID := deterministicSegmentID(own.id(), ps.Index)
		alg, compressed, err := codec.CompressSegment(ps.Data, e.opt.CompressMinGain)
		if err != nil {
			return err
		}
		sealed, err := crypto.Seal(segmentKey, compressed, []byte(segmentID))
		if err != nil {
			return err
		}
		row := model.Segment{
			ID: segmentID, FileID: own.fileID, PackID: own.packID, Index: ps.Index,
			PlainSize: int64(len(ps.Data)), CipherSize: int64(len(sealed)),
			PlainHash: ps.Hash, CipherHash: crypto.Hash256(sealed),
			Redundancy: e.opt.Redundancy, CompressionAlg: byte(alg),
		}
		rowBatch = append(rowBatch, row)
		if len(rowBatch) >= rowBatchSize {
			if err := flushRows(); err != nil {
				return err
			}
		}
		if done[segmentID] {
			// Already posted and marked done in a prior run.
			return nil
		}
		select {
		case jobs <- postJob{row: row, sealed: sealed}:
			return nil
		case <-gctx.Done():
			return gctx.Err()
		}
	})
	close(jobs)

	flushErr := flushRows()
	waitErr := g.Wait()
	if produceErr != nil {
		return produceErr
	}
	if flushErr != nil {
		return flushErr
	}
	return waitErr
}

func (e *Engine) postSegmentWithRedundancy(ctx context.Context, queueItemID string, seg model.Segment, totalSegments int, subjectKey crypto.Key, sealed []byte) error {
	plan := codec.Plan(e.opt.Redundancy, e.opt.Newsgroups)

	inner, err := crypto.InnerSubject(subjectKey, ownerOf(seg), seg.Index)
	if err != nil {
		return err
	}

	body, err := codec.EncodeArticleBody(seg.ID, seg.Index+1, totalSegments, sealed)
	if err != nil {
		return err
	}

	// A crash can land between a successful POST and the progress row
	// write; copies already recorded are never re-posted, so no
	// Message-ID is ever sent twice.
	recorded, err := e.store.ListSegmentCopies(ctx, seg.ID)
	if err != nil {
		return err
	}
	alreadyPosted := make(map[string]bool, len(recorded))
	for _, c := range recorded {
		alreadyPosted[c.MessageID] = true
	}

	for copyIdx := 0; copyIdx < plan.Copies; copyIdx++ {
		outer, err := crypto.OuterSubject(inner)
		if err != nil {
			return err
		}
		messageID := fmt.Sprintf("%s.%d@usenetsync", seg.ID, copyIdx)
		if alreadyPosted[messageID] {
			continue
		}

		err = e.pacer.Call(ctx, "upload.post", func() error {
			return e.transport.Post(ctx, nntp.Article{
				MessageID: messageID,
				Subject:   fmt.Sprintf("[%d/%d] %s yEnc", seg.Index+1, totalSegments, outer),
				Newsgroup: plan.Newsgroups[copyIdx],
				From:      e.opt.FromHeader,
				Headers:   map[string]string{"X-UsenetSync-Version": "1"},
				Body:      body,
			})
		})
		if err != nil {
			if usenetsyncerr.Of(err) == usenetsyncerr.Cancelled {
				// The segment stays pending; Pause/Cancel owns the
				// queue item's final state.
				return err
			}
			e.metrics.RetryCount.Add(1)
			_ = e.store.UpsertSegmentProgress(ctx, model.SegmentProgress{
				QueueItemID: queueItemID, SegmentID: seg.ID, Attempts: 1, LastError: err.Error(),
			})
			_ = e.store.SetQueueItemState(ctx, queueItemID, model.QueueFailed, err.Error())
			return err
		}

		if err := e.store.RecordSegmentCopy(ctx, seg.ID, model.SegmentCopy{
			Newsgroup: plan.Newsgroups[copyIdx], OuterSubject: outer, MessageID: messageID, PostedAt: time.Now().UTC(),
		}); err != nil {
			return err
		}
		e.metrics.ArticlesPosted.Add(1)
		e.metrics.BytesTransferred.Add(int64(len(body)))
	}

	e.metrics.SegmentsUploaded.Add(1)
	return e.store.UpsertSegmentProgress(ctx, model.SegmentProgress{
		QueueItemID: queueItemID, SegmentID: seg.ID, Done: true, BytesDone: seg.PlainSize,
	})
}

func ownerOf(seg model.Segment) string {
	if seg.FileID != "" {
		return seg.FileID
	}
	return seg.PackID
}

// deterministicSegmentID derives a stable segment ID from (ownerID,
// index) so resume recomputes the same ID across runs without needing
// to look anything up first.
func deterministicSegmentID(ownerID string, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s:%d", ownerID, index))).String()
}
