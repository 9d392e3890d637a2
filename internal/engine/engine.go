// Package engine wires every other package together into the
// externally exposed operations table: create_user,
// add_folder, index_folder, upload_folder, publish_folder,
// download_share, pause/resume/cancel, progress. It mirrors rclone's
// fs/operations package, which is the single place rclone's own cobra
// commands call into rather than talking to backends directly.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/usenetsync/usenetsync/internal/access"
	"github.com/usenetsync/usenetsync/internal/codec"
	"github.com/usenetsync/usenetsync/internal/config"
	"github.com/usenetsync/usenetsync/internal/crypto"
	"github.com/usenetsync/usenetsync/internal/download"
	"github.com/usenetsync/usenetsync/internal/indexer"
	"github.com/usenetsync/usenetsync/internal/manifest"
	"github.com/usenetsync/usenetsync/internal/metrics"
	"github.com/usenetsync/usenetsync/internal/model"
	"github.com/usenetsync/usenetsync/internal/nntp"
	"github.com/usenetsync/usenetsync/internal/segmenter"
	"github.com/usenetsync/usenetsync/internal/upload"
	"github.com/usenetsync/usenetsync/internal/usenetsyncerr"
)

// Store is the subset of *store.Store the engine depends on.
type Store interface {
	CreateUser(ctx context.Context, u model.User) error
	GetUser(ctx context.Context, id string) (model.User, error)
	CreateFolder(ctx context.Context, f model.Folder) error
	GetFolder(ctx context.Context, id string) (model.Folder, error)
	UpdateFolderScanStats(ctx context.Context, folderID string, fileCount, totalBytes int64, lastScanAt time.Time) error
	UpdateFolderTransferStats(ctx context.Context, folderID string, segmentCount, uploadedBytes int64) error
	InsertFiles(ctx context.Context, files []model.File) error
	ListFiles(ctx context.Context, folderID string) ([]model.File, error)
	SetFilePack(ctx context.Context, fileID, packID string) error
	InsertSegments(ctx context.Context, segments []model.Segment) error
	ListSegmentsByFolder(ctx context.Context, folderID string) ([]model.Segment, error)
	ListSegmentCopies(ctx context.Context, segmentID string) ([]model.SegmentCopy, error)
	RecordSegmentCopy(ctx context.Context, segmentID string, copy model.SegmentCopy) error
	InsertPack(ctx context.Context, pack model.Pack) error
	ListPacksByFolder(ctx context.Context, folderID string) ([]model.Pack, error)
	CreateQueueItem(ctx context.Context, item model.QueueItem) error
	GetQueueItem(ctx context.Context, id string) (model.QueueItem, error)
	ListActiveQueueItems(ctx context.Context, kind string) ([]model.QueueItem, error)
	SetQueueItemState(ctx context.Context, id string, state model.QueueState, lastError string) error
	SetQueueItemTotal(ctx context.Context, id string, bytesTotal int64) error
	QueueItemBytesDone(ctx context.Context, id string) (int64, error)
	ListDoneSegments(ctx context.Context, queueItemID string) (map[string]bool, error)
	UpsertSegmentProgress(ctx context.Context, p model.SegmentProgress) error
	CreateShare(ctx context.Context, sh model.Share) error
	GetShare(ctx context.Context, id string) (model.Share, error)
	AddPrivateMember(ctx context.Context, shareID string, commitment, wrappedKey []byte) error
	LookupPrivateMember(ctx context.Context, shareID string, commitment []byte) ([]byte, error)
}

// Engine implements the external operations over a
// Store, an NNTP transport, and the upload/download engines built on
// top of it.
type Engine struct {
	store     Store
	transport nntp.Transporter
	upload    *upload.Engine
	download  *download.Engine
	cfg       *config.Config
	metrics   *metrics.Counters
	log       *logrus.Entry

	mu         sync.Mutex
	cancels    map[string]context.CancelFunc
	resumables map[string]func(context.Context) // paused downloads, restartable in-session
}

func New(st Store, transport nntp.Transporter, cfg *config.Config, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg == nil {
		cfg = config.Default()
	}
	m := &metrics.Counters{}
	return &Engine{
		store:      st,
		transport:  transport,
		cfg:        cfg,
		metrics:    m,
		log:        log,
		cancels:    make(map[string]context.CancelFunc),
		resumables: make(map[string]func(context.Context)),
		upload: upload.New(st, transport, m, log, upload.Options{
			Workers:         cfg.Engine.UploadWorkers,
			Redundancy:      cfg.Engine.Redundancy,
			Newsgroups:      cfg.Engine.Newsgroups,
			CompressMinGain: cfg.Segmenter.CompressMinGain,
			SegmentSize:     cfg.Segmenter.SegmentSize,
			FromHeader:      cfg.Engine.FromHeader,
		}),
		download: download.New(transport, m, log, download.Options{
			Workers:       cfg.Engine.DownloadWorkers,
			SegmentCacheB: cfg.Engine.SegmentCacheMiB << 20,
		}),
	}
}

// Metrics exposes the shared counters for progress reporting.
func (e *Engine) Metrics() metrics.Snapshot { return e.metrics.Snapshot() }

// CheckServer verifies the server is reachable and the configured
// newsgroups exist, and logs the advertised capabilities next to the
// configured maximum article size so a mismatch is visible rather than
// silently resized mid-run.
func (e *Engine) CheckServer(ctx context.Context) error {
	caps, err := e.transport.Capabilities(ctx)
	if err != nil {
		return err
	}
	for _, group := range e.cfg.Engine.Newsgroups {
		if err := e.transport.SelectGroup(ctx, group); err != nil {
			return err
		}
	}
	e.log.WithFields(logrus.Fields{
		"capabilities":     len(caps),
		"newsgroups":       len(e.cfg.Engine.Newsgroups),
		"max_article_size": e.cfg.NNTP.MaxArticleSize,
	}).Debug("server checked")
	return nil
}

// CreateUser registers a new identity, generating a placeholder public
// key the way rclone's config package generates a fresh token when none
// is supplied, replaced by a real asymmetric keypair once the
// key-exchange story external to this system distributes one.
func (e *Engine) CreateUser(ctx context.Context, name string) (model.User, error) {
	if name == "" {
		return model.User{}, usenetsyncerr.New(usenetsyncerr.Usage, "engine.CreateUser", fmt.Errorf("name required"))
	}
	key, err := crypto.RandomKey()
	if err != nil {
		return model.User{}, usenetsyncerr.New(usenetsyncerr.Internal, "engine.CreateUser", err)
	}
	u := model.User{ID: uuid.NewString(), PublicKey: key[:], CreatedAt: time.Now().UTC()}
	if err := e.store.CreateUser(ctx, u); err != nil {
		return model.User{}, err
	}
	return u, nil
}

// AddFolder registers path for owner, generating a fresh folder key
// that never leaves this process except wrapped inside a share token.
func (e *Engine) AddFolder(ctx context.Context, path, ownerID string) (string, error) {
	if path == "" {
		return "", usenetsyncerr.New(usenetsyncerr.Usage, "engine.AddFolder", fmt.Errorf("path required"))
	}
	folderKey, err := crypto.RandomKey()
	if err != nil {
		return "", usenetsyncerr.New(usenetsyncerr.Internal, "engine.AddFolder", err)
	}
	now := time.Now().UTC()
	folder := model.Folder{
		ID:        uuid.NewSHA1(uuid.NameSpaceOID, []byte(path+ownerID)).String(),
		OwnerID:   ownerID,
		Path:      path,
		FolderKey: folderKey[:],
		Access:    model.AccessPrivate,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateFolder(ctx, folder); err != nil {
		return "", err
	}
	return folder.ID, nil
}

// IndexFolder scans a folder's path, recording every new or changed
// file it finds and returning the refreshed stats. A file whose content
// hash changed since the last scan gets a fresh row with a bumped
// version; unchanged files keep their existing rows.
func (e *Engine) IndexFolder(ctx context.Context, folderID string) (model.FolderStats, error) {
	timer := metrics.StartOperation()
	folder, err := e.store.GetFolder(ctx, folderID)
	if err != nil {
		return model.FolderStats{}, err
	}
	entries, err := indexer.Walk(ctx, folder.Path)
	if err != nil {
		return model.FolderStats{}, err
	}

	existing, err := e.store.ListFiles(ctx, folderID)
	if err != nil {
		return model.FolderStats{}, err
	}
	known := make(map[string]model.File, len(existing))
	for _, f := range existing {
		known[f.RelativePath] = f
	}

	if err := e.store.InsertFiles(ctx, indexer.ToFileRows(folderID, entries, known)); err != nil {
		return model.FolderStats{}, err
	}

	stats := model.FolderStats{LastScanAt: time.Now().UTC()}
	for _, entry := range entries {
		stats.FileCount++
		stats.TotalBytes += entry.Size
	}
	if err := e.store.UpdateFolderScanStats(ctx, folderID, stats.FileCount, stats.TotalBytes, stats.LastScanAt); err != nil {
		return model.FolderStats{}, err
	}
	e.log.WithFields(logrus.Fields{
		"folder":  folderID,
		"files":   stats.FileCount,
		"bytes":   stats.TotalBytes,
		"elapsed": timer.Elapsed(),
	}).Info("folder indexed")
	return stats, nil
}

// UploadFolder segments and posts every file in folderID, returning a
// queue-item handle immediately; the work itself runs asynchronously so
// the caller can poll Progress or call Pause/Cancel.
func (e *Engine) UploadFolder(ctx context.Context, folderID string) (string, error) {
	folder, err := e.store.GetFolder(ctx, folderID)
	if err != nil {
		return "", err
	}
	files, err := e.store.ListFiles(ctx, folderID)
	if err != nil {
		return "", err
	}

	handle := uuid.NewString()
	now := time.Now().UTC()
	var totalBytes int64
	for _, f := range files {
		totalBytes += f.Size
	}
	item := model.QueueItem{
		ID: handle, FolderID: folderID, Kind: "upload", Priority: model.PriorityNormal,
		State: model.QueuePending, BytesTotal: totalBytes, CreatedAt: now, UpdatedAt: now,
	}
	if err := e.store.CreateQueueItem(ctx, item); err != nil {
		return "", err
	}

	var folderKey crypto.Key
	copy(folderKey[:], folder.FolderKey)

	e.startRun(handle, func(runCtx context.Context) {
		e.runUpload(runCtx, handle, folder, folderKey, files)
	})
	return handle, nil
}

func (e *Engine) runUpload(ctx context.Context, handle string, folder model.Folder, folderKey crypto.Key, files []model.File) {
	defer e.clearCancel(handle)
	_ = e.store.SetQueueItemState(context.Background(), handle, model.QueueActive, "")

	var regular, small []model.File
	for _, f := range files {
		if f.Size < e.cfg.Segmenter.PackThreshold {
			small = append(small, f)
		} else {
			regular = append(regular, f)
		}
	}

	for _, file := range regular {
		if ctx.Err() != nil {
			// Pause/Cancel already recorded the queue item's final state
			// synchronously before cancelling ctx; this goroutine must not
			// overwrite whichever of the two the caller chose.
			return
		}
		absPath := filepath.Join(folder.Path, filepath.FromSlash(file.RelativePath))
		source := func(emit func(segmenter.PlainSegment) error) error {
			return segmenter.SegmentFile(absPath, e.cfg.Segmenter.SegmentSize, emit)
		}
		if err := e.upload.UploadFile(ctx, handle, file, folderKey, source); err != nil {
			if ctx.Err() != nil {
				return // cancelled mid-flight; Pause/Cancel already recorded the final state
			}
			_ = e.store.SetQueueItemState(context.Background(), handle, model.QueueFailed, err.Error())
			return
		}
		_, _ = e.store.QueueItemBytesDone(context.Background(), handle)
	}

	if err := e.uploadPacked(ctx, handle, folder, folderKey, small); err != nil {
		if ctx.Err() != nil {
			return
		}
		_ = e.store.SetQueueItemState(context.Background(), handle, model.QueueFailed, err.Error())
		return
	}
	if ctx.Err() != nil {
		return
	}
	_, _ = e.store.QueueItemBytesDone(context.Background(), handle)
	e.refreshTransferStats(context.Background(), folder.ID)
	_ = e.store.SetQueueItemState(context.Background(), handle, model.QueueDone, "")
}

// refreshTransferStats recounts a folder's segments and posted bytes
// from the segment rows, keeping the folder's transfer-side stats in
// step with what actually reached the server.
func (e *Engine) refreshTransferStats(ctx context.Context, folderID string) {
	segs, err := e.store.ListSegmentsByFolder(ctx, folderID)
	if err != nil {
		e.log.WithError(err).Debug("could not refresh folder transfer stats")
		return
	}
	var uploadedBytes int64
	for _, seg := range segs {
		if len(seg.Copies) > 0 {
			uploadedBytes += seg.PlainSize
		}
	}
	if err := e.store.UpdateFolderTransferStats(ctx, folderID, int64(len(segs)), uploadedBytes); err != nil {
		e.log.WithError(err).Debug("could not refresh folder transfer stats")
	}
}

// uploadPacked routes small files through the Packer: concatenate them
// (in stable path/mtime order) until the next file would push the pack
// past SEGMENT_SIZE * PACK_FILL, post each pack's payload as ordinary
// segments, and record the pack's inner directory.
func (e *Engine) uploadPacked(ctx context.Context, handle string, folder model.Folder, folderKey crypto.Key, small []model.File) error {
	if len(small) == 0 {
		return nil
	}
	sort.Slice(small, func(i, j int) bool {
		if small[i].RelativePath != small[j].RelativePath {
			return small[i].RelativePath < small[j].RelativePath
		}
		return small[i].ModTime.Before(small[j].ModTime)
	})

	var batch []model.File
	var batchBytes int64
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := e.uploadOnePack(ctx, handle, folder, folderKey, batch); err != nil {
			return err
		}
		batch, batchBytes = nil, 0
		return nil
	}

	for _, f := range small {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if len(batch) > 0 && segmenter.ShouldFillPack(batchBytes+f.Size, e.cfg.Segmenter.SegmentSize, e.cfg.Segmenter.PackFill) {
			if err := flush(); err != nil {
				return err
			}
		}
		batch = append(batch, f)
		batchBytes += f.Size
	}
	return flush()
}

func (e *Engine) uploadOnePack(ctx context.Context, handle string, folder model.Folder, folderKey crypto.Key, batch []model.File) error {
	members := make([]segmenter.PackMember, 0, len(batch))
	byPath := make(map[string]model.File, len(batch))
	for _, f := range batch {
		absPath := filepath.Join(folder.Path, filepath.FromSlash(f.RelativePath))
		data, err := os.ReadFile(absPath)
		if err != nil {
			return usenetsyncerr.New(usenetsyncerr.Internal, "engine.uploadOnePack", err)
		}
		members = append(members, segmenter.PackMember{RelativePath: f.RelativePath, ModTime: f.ModTime, Data: data})
		byPath[f.RelativePath] = f
	}

	payload, entries := segmenter.Pack(members)

	// The pack ID is derived from its member file IDs so an interrupted
	// run rebuilds the identical pack and resume skips what was posted.
	idSeed := make([]byte, 0, len(batch)*36)
	for _, f := range batch {
		idSeed = append(idSeed, f.ID...)
	}
	packID := uuid.NewSHA1(uuid.NameSpaceOID, idSeed).String()

	pack := model.Pack{ID: packID, FolderID: folder.ID}
	for _, entry := range entries {
		pack.Entries = append(pack.Entries, model.PackEntry{
			FileID: byPath[entry.RelativePath].ID,
			Offset: entry.Offset,
			Length: entry.Length,
		})
	}
	if err := e.store.InsertPack(ctx, pack); err != nil {
		return err
	}
	for _, f := range batch {
		if err := e.store.SetFilePack(ctx, f.ID, packID); err != nil {
			return err
		}
	}
	return e.upload.UploadPack(ctx, handle, packID, folderKey, payload)
}

// AccessSpec describes how publish_folder should gate the resulting
// share token.
type AccessSpec struct {
	Access    model.AccessType
	Password  string // required when Access == model.AccessProtected
	MemberIDs []string
	ExpiresIn time.Duration // zero means no expiry
}

// PublishFolder builds the folder's Core Index, encrypts it, posts it
// as one or more index segments, and returns a share token carrying
// their Message-IDs and the wrapped key material.
func (e *Engine) PublishFolder(ctx context.Context, folderID string, spec AccessSpec) (string, error) {
	timer := metrics.StartOperation()
	folder, err := e.store.GetFolder(ctx, folderID)
	if err != nil {
		return "", err
	}
	var folderKey crypto.Key
	copy(folderKey[:], folder.FolderKey)

	files, err := e.store.ListFiles(ctx, folderID)
	if err != nil {
		return "", err
	}
	segments, err := e.store.ListSegmentsByFolder(ctx, folderID)
	if err != nil {
		return "", err
	}
	packs, err := e.store.ListPacksByFolder(ctx, folderID)
	if err != nil {
		return "", err
	}

	idx := model.CoreIndex{FolderID: folderID, Version: 1, Files: files, Segments: segments, Packs: packs, BuiltAt: time.Now().UTC()}
	raw, err := manifest.Build(idx)
	if err != nil {
		return "", err
	}
	sealed, err := crypto.Seal(folderKey, raw, []byte(folderID))
	if err != nil {
		return "", err
	}

	indexRefs, err := e.postIndexSegments(ctx, sealed)
	if err != nil {
		return "", err
	}

	var expires *time.Time
	if spec.ExpiresIn > 0 {
		t := time.Now().UTC().Add(spec.ExpiresIn)
		expires = &t
	}

	shareID, err := access.NewShareID()
	if err != nil {
		return "", usenetsyncerr.New(usenetsyncerr.Internal, "engine.PublishFolder", err)
	}

	sh := access.Share{
		FolderID:  folderID,
		Access:    spec.Access,
		IndexRefs: indexRefs,
		ExpiresAt: expires,
		FolderKey: folderKey,
	}
	switch spec.Access {
	case model.AccessPublic:
	case model.AccessProtected:
		if spec.Password == "" {
			return "", usenetsyncerr.New(usenetsyncerr.Usage, "engine.PublishFolder", fmt.Errorf("password required for a protected share"))
		}
		sh.Password = spec.Password
	case model.AccessPrivate:
		// The token carries the share seed, never the folder key: a
		// leaked token grants nothing until the presenter's userID also
		// matches a membership row recorded below.
		shareSeed, serr := crypto.Subkey(folderKey, "private_share:"+shareID)
		if serr != nil {
			return "", serr
		}
		sh.FolderKey = crypto.Key{}
		sh.ShareID = shareID
		sh.ShareSeed = shareSeed
	default:
		return "", usenetsyncerr.New(usenetsyncerr.Usage, "engine.PublishFolder", fmt.Errorf("unknown access type %d", spec.Access))
	}

	token, err := access.Encode(sh)
	if err != nil {
		return "", err
	}

	if err := e.store.CreateShare(ctx, model.Share{
		ID: shareID, FolderID: folderID, Access: spec.Access, Token: token, ExpiresAt: expires, CreatedAt: time.Now().UTC(),
	}); err != nil {
		return "", err
	}

	if spec.Access == model.AccessPrivate {
		shareSeed, err := crypto.Subkey(folderKey, "private_share:"+shareID)
		if err != nil {
			return "", err
		}
		for _, userID := range spec.MemberIDs {
			wrapped, err := access.WrapForMember(shareSeed, userID, folderKey)
			if err != nil {
				return "", err
			}
			commitment := access.PrivateCommitment(shareSeed, userID)
			if err := e.store.AddPrivateMember(ctx, shareID, commitment, wrapped); err != nil {
				return "", err
			}
		}
	}

	e.log.WithFields(logrus.Fields{
		"folder":     folderID,
		"access":     spec.Access.String(),
		"index_refs": len(indexRefs),
		"elapsed":    timer.Elapsed(),
	}).Info("folder published")
	return token, nil
}

// postIndexSegments splits the sealed manifest into article-sized
// chunks and posts each under a fresh random Message-ID; the share
// token carries the ordered reference list.
func (e *Engine) postIndexSegments(ctx context.Context, sealed []byte) ([]string, error) {
	chunkSize := e.cfg.NNTP.MaxArticleSize
	if chunkSize <= 0 {
		chunkSize = 768 * 1024
	}
	var chunks [][]byte
	for off := int64(0); off < int64(len(sealed)); off += chunkSize {
		end := off + chunkSize
		if end > int64(len(sealed)) {
			end = int64(len(sealed))
		}
		chunks = append(chunks, sealed[off:end])
	}
	if len(chunks) == 0 {
		chunks = [][]byte{nil}
	}

	refs := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		messageID := fmt.Sprintf("%s@usenetsync.idx", uuid.NewString())
		outer, err := crypto.OuterSubject("idx")
		if err != nil {
			return nil, err
		}
		body, err := codec.EncodeArticleBody(messageID, i+1, len(chunks), chunk)
		if err != nil {
			return nil, err
		}
		if err := e.transport.Post(ctx, nntp.Article{
			MessageID: messageID,
			Subject:   fmt.Sprintf("[%d/%d] %s yEnc", i+1, len(chunks), outer),
			Newsgroup: firstNewsgroup(e.cfg.Engine.Newsgroups),
			From:      e.cfg.Engine.FromHeader,
			Headers:   map[string]string{"X-UsenetSync-Version": "1"},
			Body:      body,
		}); err != nil {
			return nil, usenetsyncerr.New(usenetsyncerr.Transport, "engine.postIndexSegments", err)
		}
		e.metrics.ArticlesPosted.Add(1)
		refs = append(refs, messageID)
	}
	return refs, nil
}

func firstNewsgroup(groups []string) string {
	if len(groups) == 0 {
		return "alt.binaries.test"
	}
	return groups[0]
}

// DownloadShare resolves token, fetches the folder's Core Index from
// the index segments the token references, and downloads every file
// (or only those matching selectors, when given) into dest.
// memberUserID is only consulted for a private share's token, where it
// must match an identity PublishFolder invited; password only for a
// protected one.
func (e *Engine) DownloadShare(ctx context.Context, token, password, memberUserID, dest string, selectors []string) (string, error) {
	env, err := access.Open(token, access.Credentials{Password: password, UserID: memberUserID})
	if err != nil {
		return "", err
	}

	folderID, folderKey := env.FolderID, env.FolderKey
	if env.Access == model.AccessPrivate {
		if memberUserID == "" {
			return "", usenetsyncerr.New(usenetsyncerr.Denied, "engine.DownloadShare", fmt.Errorf("private share requires a user identity"))
		}
		sh, serr := e.store.GetShare(ctx, env.ShareID)
		if serr != nil {
			return "", serr
		}
		commitment := access.PrivateCommitment(env.ShareSeed, memberUserID)
		wrapped, werr := e.store.LookupPrivateMember(ctx, sh.ID, commitment)
		if werr != nil {
			return "", werr
		}
		folderKey, err = access.UnwrapForMember(env.ShareSeed, memberUserID, wrapped)
		if err != nil {
			return "", err
		}
		folderID = sh.FolderID
	}

	idx, err := e.fetchIndex(ctx, env.IndexRefs, folderID, folderKey)
	if err != nil {
		return "", err
	}

	handle := uuid.NewString()
	now := time.Now().UTC()
	wanted := selectSet(selectors)
	var totalBytes int64
	for _, f := range idx.Files {
		if wanted == nil || wanted[f.RelativePath] {
			totalBytes += f.Size
		}
	}
	if err := e.store.CreateQueueItem(ctx, model.QueueItem{
		ID: handle, FolderID: folderID, Kind: "download", Priority: model.PriorityNormal,
		State: model.QueuePending, BytesTotal: totalBytes, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		return "", err
	}

	segmentKey, err := crypto.Subkey(folderKey, "segment_encryption")
	if err != nil {
		return "", err
	}

	run := func(runCtx context.Context) {
		e.runDownload(runCtx, handle, idx, segmentKey, dest, wanted)
	}
	e.mu.Lock()
	e.resumables[handle] = run
	e.mu.Unlock()

	e.startRun(handle, run)
	return handle, nil
}

// startRun launches run under a fresh cancellable context registered
// for handle.
func (e *Engine) startRun(handle string, run func(context.Context)) {
	runCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancels[handle] = cancel
	e.mu.Unlock()
	go run(runCtx)
}

// fetchIndex retrieves the Core Index's posted segments in reference
// order, reassembles and decrypts the manifest, and parses it.
func (e *Engine) fetchIndex(ctx context.Context, refs []string, folderID string, folderKey crypto.Key) (model.CoreIndex, error) {
	if len(refs) == 0 {
		return model.CoreIndex{}, usenetsyncerr.New(usenetsyncerr.Integrity, "engine.fetchIndex", fmt.Errorf("token carries no index references"))
	}
	sealed := make([]byte, 0, len(refs)*int(e.cfg.NNTP.MaxArticleSize))
	for _, ref := range refs {
		article, err := e.transport.Article(ctx, ref)
		if err != nil {
			return model.CoreIndex{}, err
		}
		e.metrics.ArticlesFetched.Add(1)
		chunk, err := codec.DecodeArticleBody(article.Body)
		if err != nil {
			return model.CoreIndex{}, usenetsyncerr.New(usenetsyncerr.Integrity, "engine.fetchIndex", err)
		}
		sealed = append(sealed, chunk...)
	}
	raw, err := crypto.Open(folderKey, sealed, []byte(folderID))
	if err != nil {
		return model.CoreIndex{}, usenetsyncerr.New(usenetsyncerr.Denied, "engine.fetchIndex", err)
	}
	return manifest.Parse(raw)
}

func selectSet(selectors []string) map[string]bool {
	if len(selectors) == 0 {
		return nil // nil means "everything"
	}
	set := make(map[string]bool, len(selectors))
	for _, s := range selectors {
		set[s] = true
	}
	return set
}

func (e *Engine) runDownload(ctx context.Context, handle string, idx model.CoreIndex, segmentKey crypto.Key, dest string, wanted map[string]bool) {
	defer e.clearCancel(handle)
	_ = e.store.SetQueueItemState(context.Background(), handle, model.QueueActive, "")

	copiesBySegment := make(map[string][]model.SegmentCopy, len(idx.Segments))
	segsByFile := make(map[string][]model.Segment)
	segsByPack := make(map[string][]model.Segment)
	for _, seg := range idx.Segments {
		copiesBySegment[seg.ID] = seg.Copies
		if seg.FileID != "" {
			segsByFile[seg.FileID] = append(segsByFile[seg.FileID], seg)
		} else if seg.PackID != "" {
			segsByPack[seg.PackID] = append(segsByPack[seg.PackID], seg)
		}
	}
	copiesOf := func(segmentID string) []model.SegmentCopy { return copiesBySegment[segmentID] }
	onSegment := func(seg model.Segment) {
		_ = e.store.UpsertSegmentProgress(context.Background(), model.SegmentProgress{
			QueueItemID: handle, SegmentID: seg.ID, Done: true, BytesDone: seg.PlainSize,
		})
	}

	filesByID := make(map[string]model.File, len(idx.Files))
	for _, f := range idx.Files {
		filesByID[f.ID] = f
	}
	packsByID := make(map[string]model.Pack, len(idx.Packs))
	for _, p := range idx.Packs {
		packsByID[p.ID] = p
	}

	// Standalone files stream straight to disk; packed files are
	// collected per pack so one fetch serves every member.
	neededPacks := make(map[string]bool)
	for _, file := range idx.Files {
		if wanted != nil && !wanted[file.RelativePath] {
			continue
		}
		if ctx.Err() != nil {
			// Pause/Cancel already set the final state.
			return
		}
		if file.Packed {
			neededPacks[file.PackID] = true
			continue
		}
		destPath := filepath.Join(dest, filepath.FromSlash(file.RelativePath))
		if fileAlreadyMaterialized(destPath, file) {
			continue
		}
		if err := e.download.DownloadFile(ctx, file, segsByFile[file.ID], copiesOf, segmentKey, destPath, onSegment); err != nil {
			if ctx.Err() != nil {
				return // cancelled mid-flight; Pause/Cancel already recorded the final state
			}
			_ = e.store.SetQueueItemState(context.Background(), handle, model.QueueFailed, err.Error())
			return
		}
		_, _ = e.store.QueueItemBytesDone(context.Background(), handle)
	}

	for packID := range neededPacks {
		if ctx.Err() != nil {
			return
		}
		if err := e.downloadPack(ctx, packsByID[packID], segsByPack[packID], copiesOf, onSegment, filesByID, segmentKey, dest, wanted); err != nil {
			if ctx.Err() != nil {
				return
			}
			_ = e.store.SetQueueItemState(context.Background(), handle, model.QueueFailed, err.Error())
			return
		}
		_, _ = e.store.QueueItemBytesDone(context.Background(), handle)
	}

	if ctx.Err() != nil {
		return
	}
	e.mu.Lock()
	delete(e.resumables, handle)
	e.mu.Unlock()
	_ = e.store.SetQueueItemState(context.Background(), handle, model.QueueDone, "")
}

// downloadPack fetches a pack's payload once and expands every wanted
// member file out of it using the inner directory.
func (e *Engine) downloadPack(ctx context.Context, pack model.Pack, segs []model.Segment, copiesOf func(string) []model.SegmentCopy, onSegment func(model.Segment), filesByID map[string]model.File, segmentKey crypto.Key, dest string, wanted map[string]bool) error {
	payload, err := e.download.FetchSegments(ctx, segs, copiesOf, segmentKey, onSegment)
	if err != nil {
		return err
	}

	for _, entry := range pack.Entries {
		file, ok := filesByID[entry.FileID]
		if !ok {
			return usenetsyncerr.New(usenetsyncerr.Integrity, "engine.downloadPack",
				fmt.Errorf("pack %s references unknown file %s", pack.ID, entry.FileID))
		}
		if wanted != nil && !wanted[file.RelativePath] {
			continue
		}
		destPath := filepath.Join(dest, filepath.FromSlash(file.RelativePath))
		if fileAlreadyMaterialized(destPath, file) {
			continue
		}
		data, err := segmenter.Unpack(payload, segmenter.PackEntry{
			RelativePath: file.RelativePath, Offset: entry.Offset, Length: entry.Length,
		})
		if err != nil {
			return usenetsyncerr.New(usenetsyncerr.Integrity, "engine.downloadPack", err)
		}
		if crypto.Hash256(data) != file.ContentHash {
			return usenetsyncerr.New(usenetsyncerr.Integrity, "engine.downloadPack",
				fmt.Errorf("file %s content hash mismatch after unpacking", file.RelativePath))
		}
		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return usenetsyncerr.New(usenetsyncerr.Internal, "engine.downloadPack", err)
		}
		if err := os.WriteFile(destPath, data, 0o644); err != nil {
			return usenetsyncerr.New(usenetsyncerr.Internal, "engine.downloadPack", err)
		}
		if !file.ModTime.IsZero() {
			if err := os.Chtimes(destPath, file.ModTime, file.ModTime); err != nil {
				return usenetsyncerr.New(usenetsyncerr.Internal, "engine.downloadPack", err)
			}
		}
	}
	return nil
}

// fileAlreadyMaterialized reports whether destPath already holds the
// file's exact content, the check that makes download resume skip work
// a previous run completed.
func fileAlreadyMaterialized(destPath string, file model.File) bool {
	info, err := os.Stat(destPath)
	if err != nil || info.Size() != file.Size {
		return false
	}
	data, err := os.ReadFile(destPath)
	if err != nil {
		return false
	}
	return crypto.Hash256(data) == file.ContentHash
}

// Pause stops dispatching new work for handle; in-flight transfers run
// to completion, so no session is ever poisoned mid-article.
func (e *Engine) Pause(ctx context.Context, handle string) (model.QueueState, error) {
	return e.signalAndWait(ctx, handle, model.QueuePaused)
}

// Cancel behaves like Pause at the transport level (in-flight posts and
// fetches are never aborted mid-article) but marks the item Cancelled
// rather than Paused, so Resume refuses to restart it.
func (e *Engine) Cancel(ctx context.Context, handle string) (model.QueueState, error) {
	e.mu.Lock()
	delete(e.resumables, handle)
	e.mu.Unlock()
	return e.signalAndWait(ctx, handle, model.QueueCancelled)
}

// clearCancel drops handle's cancel func once its goroutine has returned,
// so a Pause/Cancel call arriving after natural completion reports
// NotFound instead of silently overwriting a Done/Failed queue item.
func (e *Engine) clearCancel(handle string) {
	e.mu.Lock()
	delete(e.cancels, handle)
	e.mu.Unlock()
}

func (e *Engine) signalAndWait(ctx context.Context, handle string, finalState model.QueueState) (model.QueueState, error) {
	e.mu.Lock()
	cancel, ok := e.cancels[handle]
	delete(e.cancels, handle)
	e.mu.Unlock()
	if !ok {
		return 0, usenetsyncerr.New(usenetsyncerr.NotFound, "engine.signalAndWait", fmt.Errorf("unknown handle %s", handle))
	}
	cancel()
	if err := e.store.SetQueueItemState(ctx, handle, finalState, ""); err != nil {
		return 0, err
	}
	return finalState, nil
}

// Resume restarts a paused upload or download from its recorded
// segment_progress rows. Uploads are re-resolved from the store and so
// survive a process restart; downloads resume in-session from their
// retained run state, since the receiver never persists the folder key
// a restart would need. Re-issue download_share with the token after
// a restart (already-materialized files are then skipped).
func (e *Engine) Resume(ctx context.Context, handle string) (model.QueueState, error) {
	item, err := e.store.GetQueueItem(ctx, handle)
	if err != nil {
		return 0, err
	}
	if item.State != model.QueuePaused && item.State != model.QueueFailed {
		return 0, usenetsyncerr.New(usenetsyncerr.Usage, "engine.Resume", fmt.Errorf("handle %s is not resumable from state %s", handle, item.State))
	}

	switch item.Kind {
	case "upload":
		folder, err := e.store.GetFolder(ctx, item.FolderID)
		if err != nil {
			return 0, err
		}
		files, err := e.store.ListFiles(ctx, item.FolderID)
		if err != nil {
			return 0, err
		}
		var folderKey crypto.Key
		copy(folderKey[:], folder.FolderKey)
		// The file set may have grown since the item was created.
		var totalBytes int64
		for _, f := range files {
			totalBytes += f.Size
		}
		if err := e.store.SetQueueItemTotal(ctx, handle, totalBytes); err != nil {
			return 0, err
		}
		e.startRun(handle, func(runCtx context.Context) {
			e.runUpload(runCtx, handle, folder, folderKey, files)
		})
		return model.QueueActive, nil
	case "download":
		e.mu.Lock()
		run, ok := e.resumables[handle]
		e.mu.Unlock()
		if !ok {
			return 0, usenetsyncerr.New(usenetsyncerr.Usage, "engine.Resume",
				fmt.Errorf("download handle %s has no retained state; re-issue download_share with the token", handle))
		}
		e.startRun(handle, run)
		return model.QueueActive, nil
	default:
		return 0, usenetsyncerr.New(usenetsyncerr.Internal, "engine.Resume", fmt.Errorf("unknown queue kind %q", item.Kind))
	}
}

// ListQueue returns every pending or active queue item of both kinds,
// upload first, in the priority order the workers drain them.
func (e *Engine) ListQueue(ctx context.Context) ([]model.QueueItem, error) {
	uploads, err := e.store.ListActiveQueueItems(ctx, "upload")
	if err != nil {
		return nil, err
	}
	downloads, err := e.store.ListActiveQueueItems(ctx, "download")
	if err != nil {
		return nil, err
	}
	return append(uploads, downloads...), nil
}

// Progress reports a handle's current state, its byte counters, and the
// process-wide transfer counters.
func (e *Engine) Progress(ctx context.Context, handle string) (model.QueueItem, metrics.Snapshot, error) {
	item, err := e.store.GetQueueItem(ctx, handle)
	if err != nil {
		return model.QueueItem{}, metrics.Snapshot{}, err
	}
	if done, err := e.store.QueueItemBytesDone(ctx, handle); err == nil {
		item.BytesDone = done
	}
	return item, e.metrics.Snapshot(), nil
}
