// Package nntp implements the connection-pooled NNTP transport: dialing,
// AUTHINFO, GROUP/POST/ARTICLE/STAT, and a checkout/checkin connection
// pool. The pool is grounded directly on rclone's backend/sftp.go
// getSftpConnection/putSftpConnection pair: a mutex-guarded free list,
// liveness-checked before reuse, broken connections discarded rather
// than pooled, new connections opened through a shared pacer. Retargeted
// from one SSH+SFTP session per pool slot to one NNTP session per slot.
package nntp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/textproto"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/usenetsync/usenetsync/internal/retry"
	"github.com/usenetsync/usenetsync/internal/usenetsyncerr"
)

// Options configures how the pool dials and authenticates new sessions.
type Options struct {
	Host           string
	Port           int
	TLS            bool
	Username       string
	Password       string
	MaxConnections int
	IdleTimeout    time.Duration

	// MinRateBytesSec throttles total article bytes transferred through
	// this pool, the same shared-limiter shape as rclone's backend/cache
	// rateLimiter but metered on bytes rather than requests. Zero
	// disables throttling.
	MinRateBytesSec int64
}

// conn wraps one NNTP session: a textproto.Conn over a TLS or plaintext
// socket, plus an error channel that Get drains before reusing a pooled
// connection, the same shape as rclone's conn.err channel. Nothing in
// this package sends on it, so a pooled connection is only discarded
// for idleness in Get or for a Transport-kind error in Put.
type conn struct {
	nc   net.Conn
	text *textproto.Conn
	err  chan error

	currentGroup string
	idleSince    time.Time
}

func (c *conn) closed() error {
	select {
	case err := <-c.err:
		return err
	default:
		return nil
	}
}

func (c *conn) close() error {
	return c.text.Close()
}

// Pool manages a bounded set of pooled NNTP connections to one server.
type Pool struct {
	opt     Options
	pacer   *retry.Pacer
	log     *logrus.Entry
	limiter *rate.Limiter

	mu   sync.Mutex
	pool []*conn
}

func NewPool(opt Options, log *logrus.Entry) *Pool {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	var limiter *rate.Limiter
	if opt.MinRateBytesSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opt.MinRateBytesSec), int(opt.MinRateBytesSec))
	}
	return &Pool{
		opt:     opt,
		pacer:   retry.New(retry.TransportPolicy, log),
		log:     log,
		limiter: limiter,
	}
}

// throttle blocks until n bytes' worth of the configured rate budget is
// available, a no-op when no minimum rate was configured.
func (p *Pool) throttle(ctx context.Context, n int) error {
	if p.limiter == nil || n <= 0 {
		return nil
	}
	burst := p.limiter.Burst()
	for n > burst {
		if err := p.limiter.WaitN(ctx, burst); err != nil {
			return usenetsyncerr.New(usenetsyncerr.Cancelled, "nntp.throttle", err)
		}
		n -= burst
	}
	if err := p.limiter.WaitN(ctx, n); err != nil {
		return usenetsyncerr.New(usenetsyncerr.Cancelled, "nntp.throttle", err)
	}
	return nil
}

func (p *Pool) dial(ctx context.Context) (*conn, error) {
	addr := fmt.Sprintf("%s:%d", p.opt.Host, p.opt.Port)
	dialer := &net.Dialer{Timeout: 30 * time.Second}

	var nc net.Conn
	var err error
	if p.opt.TLS {
		nc, err = tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: p.opt.Host})
	} else {
		nc, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, usenetsyncerr.New(usenetsyncerr.Transport, "nntp.dial", err)
	}

	c := &conn{nc: nc, text: textproto.NewConn(nc), err: make(chan error, 1)}
	if _, _, err := c.text.ReadCodeLine(20); err != nil { // greeting, e.g. "200 posting allowed"
		_ = c.close()
		return nil, usenetsyncerr.New(usenetsyncerr.Transport, "nntp.greeting", err)
	}

	if p.opt.Username != "" {
		if err := c.authenticate(p.opt.Username, p.opt.Password); err != nil {
			_ = c.close()
			return nil, err
		}
	}
	return c, nil
}

func (c *conn) authenticate(user, pass string) error {
	id, err := c.text.Cmd("AUTHINFO USER %s", user)
	if err != nil {
		return usenetsyncerr.New(usenetsyncerr.Transport, "nntp.authinfo_user", err)
	}
	c.text.StartResponse(id)
	code, msg, err := c.text.ReadCodeLine(0)
	c.text.EndResponse(id)
	if err != nil {
		return usenetsyncerr.New(usenetsyncerr.Transport, "nntp.authinfo_user", err)
	}
	if code == 281 {
		return nil // accepted without a password
	}
	if code != 381 {
		return usenetsyncerr.New(usenetsyncerr.Denied, "nntp.authinfo_user", fmt.Errorf("%d %s", code, msg))
	}

	id, err = c.text.Cmd("AUTHINFO PASS %s", pass)
	if err != nil {
		return usenetsyncerr.New(usenetsyncerr.Transport, "nntp.authinfo_pass", err)
	}
	c.text.StartResponse(id)
	code, msg, err = c.text.ReadCodeLine(281)
	c.text.EndResponse(id)
	if err != nil {
		return usenetsyncerr.New(usenetsyncerr.Denied, "nntp.authinfo_pass", fmt.Errorf("%d %s", code, msg))
	}
	return nil
}

// Get returns a pooled connection, validating it is still alive, or
// opens a new one through the pacer when the pool is empty.
func (p *Pool) Get(ctx context.Context) (*conn, error) {
	p.mu.Lock()
	var c *conn
	for len(p.pool) > 0 {
		c = p.pool[0]
		p.pool = p.pool[1:]
		if p.opt.IdleTimeout > 0 && time.Since(c.idleSince) > p.opt.IdleTimeout {
			p.log.Debug("discarding idle nntp connection")
			_ = c.close()
			c = nil
			continue
		}
		if err := c.closed(); err == nil {
			break
		} else {
			p.log.WithError(err).Debug("discarding dead nntp connection")
			c = nil
		}
	}
	p.mu.Unlock()
	if c != nil {
		return c, nil
	}

	err := p.pacer.Call(ctx, "nntp.dial", func() error {
		var dialErr error
		c, dialErr = p.dial(ctx)
		return dialErr
	})
	return c, err
}

// Put returns c to the pool, or discards it when callErr carries
// Kind=Transport or the pool already holds MaxConnections idle
// connections. Errors of any other kind return c to the pool.
func (p *Pool) Put(c *conn, callErr error) {
	if c == nil {
		return
	}
	if callErr != nil && usenetsyncerr.Of(callErr) == usenetsyncerr.Transport {
		_ = c.close()
		return
	}
	c.idleSince = time.Now()
	p.mu.Lock()
	if p.opt.MaxConnections > 0 && len(p.pool) >= p.opt.MaxConnections {
		p.mu.Unlock()
		_ = c.close()
		return
	}
	p.pool = append(p.pool, c)
	p.mu.Unlock()
}

// CloseAll closes every idle pooled connection. In-flight checkouts are
// unaffected; they are closed individually by their holder on error.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.pool {
		_ = c.close()
	}
	p.pool = nil
}
