// Package nntptest provides an in-memory NNTP server double so the
// upload/download engines and end-to-end scenario tests never need a
// real news server, the same role rclone's fstest/mockobject and
// mockfs play for exercising backend code paths without live services.
package nntptest

import (
	"context"
	"sync"

	"github.com/usenetsync/usenetsync/internal/nntp"
	"github.com/usenetsync/usenetsync/internal/usenetsyncerr"
)

// Server is a minimal in-memory article store implementing the same
// surface as *nntp.Transport, keyed by Message-ID.
type Server struct {
	mu       sync.RWMutex
	articles map[string]nntp.Article
	groups   map[string]bool
	posts    int
	fetches  int

	// FailNextPost, when >0, makes the next N Post calls fail with a
	// transient transport error, to exercise retry paths.
	FailNextPost int
}

func NewServer() *Server {
	return &Server{
		articles: make(map[string]nntp.Article),
		groups:   make(map[string]bool),
	}
}

func (s *Server) Capabilities(ctx context.Context) ([]string, error) {
	return []string{"VERSION 2", "POST", "STREAMING"}, nil
}

func (s *Server) SelectGroup(ctx context.Context, newsgroup string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[newsgroup] = true
	return nil
}

func (s *Server) Post(ctx context.Context, article nntp.Article) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailNextPost > 0 {
		s.FailNextPost--
		return usenetsyncerr.New(usenetsyncerr.Transport, "nntp.post", context.DeadlineExceeded)
	}
	s.posts++
	s.articles[article.MessageID] = article
	return nil
}

func (s *Server) Article(ctx context.Context, messageID string) (*nntp.Article, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	a, ok := s.articles[messageID]
	if !ok {
		return nil, usenetsyncerr.New(usenetsyncerr.NotFound, "nntp.article", nil)
	}
	return &a, nil
}

// Posts reports how many articles have been accepted, for tests that
// assert exact post counts.
func (s *Server) Posts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.posts
}

// Fetches reports how many ARTICLE requests have been served or missed,
// for tests that assert no (or exactly N) network fetches happened.
func (s *Server) Fetches() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fetches
}

// Delete removes an article, simulating provider expiry of one
// redundant copy.
func (s *Server) Delete(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.articles, messageID)
}

func (s *Server) Stat(ctx context.Context, messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.articles[messageID]
	return ok, nil
}

func (s *Server) Close() {}
