package nntp

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/usenetsync/usenetsync/internal/usenetsyncerr"
)

// Article is one posted/fetched NNTP article: headers plus a yEnc-framed
// body.
type Article struct {
	MessageID string
	Subject   string
	Newsgroup string
	From      string
	Headers   map[string]string
	Body      []byte // already yEnc-encoded wire bytes
}

// Transporter is the surface the upload/download engines depend on, so
// tests can substitute nntptest.Server for a real connection pool.
type Transporter interface {
	Capabilities(ctx context.Context) ([]string, error)
	SelectGroup(ctx context.Context, newsgroup string) error
	Post(ctx context.Context, article Article) error
	Article(ctx context.Context, messageID string) (*Article, error)
	Stat(ctx context.Context, messageID string) (bool, error)
	Close()
}

// Transport is the public entry point the upload/download engines use;
// it checks a connection out of the pool for the duration of one call.
type Transport struct {
	pool *Pool
}

func NewTransport(pool *Pool) *Transport {
	return &Transport{pool: pool}
}

// Capabilities issues CAPABILITIES and returns the advertised capability
// lines.
func (t *Transport) Capabilities(ctx context.Context) ([]string, error) {
	c, err := t.pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	lines, err := runMultiline(c, "CAPABILITIES", 101)
	t.pool.Put(c, err)
	return lines, err
}

// SelectGroup issues GROUP, positioning the session on newsgroup.
func (t *Transport) SelectGroup(ctx context.Context, newsgroup string) error {
	c, err := t.pool.Get(ctx)
	if err != nil {
		return err
	}
	_, callErr := runSingle(c, fmt.Sprintf("GROUP %s", newsgroup), 211)
	if callErr == nil {
		c.currentGroup = newsgroup
	}
	t.pool.Put(c, callErr)
	return callErr
}

// Post sends article as a multi-line POST, returning once the server
// confirms acceptance (240). Throttled against the pool's configured
// minimum rate before the bytes go on the wire.
func (t *Transport) Post(ctx context.Context, article Article) error {
	if err := t.pool.throttle(ctx, len(article.Body)); err != nil {
		return err
	}
	c, err := t.pool.Get(ctx)
	if err != nil {
		return err
	}
	callErr := postArticle(c, article)
	t.pool.Put(c, callErr)
	return callErr
}

// Article fetches a full article by Message-ID, throttling against the
// pool's configured minimum rate once the body size is known.
func (t *Transport) Article(ctx context.Context, messageID string) (*Article, error) {
	c, err := t.pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	art, callErr := fetchArticle(c, messageID)
	t.pool.Put(c, callErr)
	if callErr == nil {
		if err := t.pool.throttle(ctx, len(art.Body)); err != nil {
			return nil, err
		}
	}
	return art, callErr
}

// Stat checks whether messageID exists on the server without fetching
// its body, used by the download engine to pick the first live copy
// among a segment's redundant postings.
func (t *Transport) Stat(ctx context.Context, messageID string) (bool, error) {
	c, err := t.pool.Get(ctx)
	if err != nil {
		return false, err
	}
	_, callErr := runSingle(c, fmt.Sprintf("STAT <%s>", messageID), 223)
	if callErr != nil {
		if usenetsyncerr.Of(callErr) == usenetsyncerr.NotFound {
			t.pool.Put(c, nil)
			return false, nil
		}
		t.pool.Put(c, callErr)
		return false, callErr
	}
	t.pool.Put(c, nil)
	return true, nil
}

// Close releases all pooled idle connections.
func (t *Transport) Close() {
	t.pool.CloseAll()
}

func runSingle(c *conn, cmd string, wantCode int) (string, error) {
	id, err := c.text.Cmd("%s", cmd)
	if err != nil {
		return "", usenetsyncerr.New(usenetsyncerr.Transport, "nntp.cmd", err)
	}
	c.text.StartResponse(id)
	defer c.text.EndResponse(id)
	code, msg, err := c.text.ReadCodeLine(wantCode)
	if err != nil {
		return "", classifyResponse(code, msg, err)
	}
	return msg, nil
}

func runMultiline(c *conn, cmd string, wantCode int) ([]string, error) {
	id, err := c.text.Cmd("%s", cmd)
	if err != nil {
		return nil, usenetsyncerr.New(usenetsyncerr.Transport, "nntp.cmd", err)
	}
	c.text.StartResponse(id)
	defer c.text.EndResponse(id)
	_, _, err = c.text.ReadCodeLine(wantCode)
	if err != nil {
		return nil, usenetsyncerr.New(usenetsyncerr.Transport, "nntp.cmd", err)
	}
	body, err := c.text.ReadDotLines()
	if err != nil {
		return nil, usenetsyncerr.New(usenetsyncerr.Transport, "nntp.cmd", err)
	}
	return body, nil
}

func classifyResponse(code int, msg string, err error) error {
	switch {
	case code == 423 || code == 430:
		return usenetsyncerr.New(usenetsyncerr.NotFound, "nntp.article", fmt.Errorf("%d %s", code, msg))
	case code == 441 || code == 502:
		return usenetsyncerr.New(usenetsyncerr.Denied, "nntp.post", fmt.Errorf("%d %s", code, msg))
	case code >= 400:
		return usenetsyncerr.New(usenetsyncerr.Transport, "nntp", fmt.Errorf("%d %s", code, msg))
	default:
		return usenetsyncerr.New(usenetsyncerr.Transport, "nntp", err)
	}
}

func postArticle(c *conn, article Article) error {
	id, err := c.text.Cmd("POST")
	if err != nil {
		return usenetsyncerr.New(usenetsyncerr.Transport, "nntp.post", err)
	}
	c.text.StartResponse(id)
	code, msg, err := c.text.ReadCodeLine(340)
	c.text.EndResponse(id)
	if err != nil {
		return classifyResponse(code, msg, err)
	}

	dw := c.text.DotWriter()
	if err := writeArticleHeaders(dw, article); err != nil {
		_ = dw.Close()
		return usenetsyncerr.New(usenetsyncerr.Transport, "nntp.post", err)
	}
	if _, err := dw.Write(article.Body); err != nil {
		_ = dw.Close()
		return usenetsyncerr.New(usenetsyncerr.Transport, "nntp.post", err)
	}
	if err := dw.Close(); err != nil {
		return usenetsyncerr.New(usenetsyncerr.Transport, "nntp.post", err)
	}

	// The DotWriter's terminating "." line triggers the server's final
	// acceptance response; read it without issuing a further command.
	code, msg, err = c.text.ReadCodeLine(240)
	if err != nil {
		return classifyResponse(code, msg, err)
	}
	return nil
}

func writeArticleHeaders(w io.Writer, a Article) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "Message-ID: <%s>\r\n", a.MessageID)
	fmt.Fprintf(bw, "Subject: %s\r\n", a.Subject)
	fmt.Fprintf(bw, "Newsgroups: %s\r\n", a.Newsgroup)
	fmt.Fprintf(bw, "From: %s\r\n", a.From)
	for k, v := range a.Headers {
		fmt.Fprintf(bw, "%s: %s\r\n", k, v)
	}
	bw.WriteString("\r\n")
	return bw.Flush()
}

func fetchArticle(c *conn, messageID string) (*Article, error) {
	id, err := c.text.Cmd("ARTICLE <%s>", messageID)
	if err != nil {
		return nil, usenetsyncerr.New(usenetsyncerr.Transport, "nntp.article", err)
	}
	c.text.StartResponse(id)
	defer c.text.EndResponse(id)
	code, msg, err := c.text.ReadCodeLine(220)
	if err != nil {
		return nil, classifyResponse(code, msg, err)
	}

	headerLines, err := c.text.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return nil, usenetsyncerr.New(usenetsyncerr.Transport, "nntp.article", err)
	}
	bodyLines, err := c.text.ReadDotLines()
	if err != nil {
		return nil, usenetsyncerr.New(usenetsyncerr.Transport, "nntp.article", err)
	}

	headers := make(map[string]string, len(headerLines))
	for k := range headerLines {
		headers[k] = headerLines.Get(k)
	}

	var body bytes.Buffer
	for _, line := range bodyLines {
		body.WriteString(line)
		body.WriteString("\r\n")
	}

	return &Article{
		MessageID: messageID,
		Subject:   headers["Subject"],
		Newsgroup: headers["Newsgroups"],
		From:      headers["From"],
		Headers:   headers,
		Body:      bytes.TrimRight(body.Bytes(), "\r\n"),
	}, nil
}
