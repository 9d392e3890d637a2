package nntp

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startFakeServer runs a tiny line-oriented NNTP server good enough to
// exercise dial/greeting/AUTHINFO/POST framing without a real news feed.
func startFakeServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go serveFakeConn(c)
		}
	}()
	return ln.Addr().String()
}

func serveFakeConn(c net.Conn) {
	defer c.Close()
	w := bufio.NewWriter(c)
	r := bufio.NewReader(c)
	w.WriteString("200 posting allowed\r\n")
	w.Flush()

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case strings.HasPrefix(line, "AUTHINFO USER"):
			w.WriteString("381 password required\r\n")
		case strings.HasPrefix(line, "AUTHINFO PASS"):
			w.WriteString("281 accepted\r\n")
		case strings.HasPrefix(line, "POST"):
			w.WriteString("340 send article\r\n")
			w.Flush()
			for {
				bodyLine, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if strings.TrimRight(bodyLine, "\r\n") == "." {
					break
				}
			}
			w.WriteString("240 article posted ok\r\n")
		case strings.HasPrefix(line, "QUIT"):
			w.WriteString("205 closing\r\n")
			w.Flush()
			return
		default:
			w.WriteString("500 command not recognized\r\n")
		}
		w.Flush()
	}
}

func TestTransportPostAgainstFakeServer(t *testing.T) {
	addr := startFakeServer(t)
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)

	pool := NewPool(Options{
		Host:           host,
		Port:           mustAtoi(t, portStr),
		Username:       "tester",
		Password:       "s3cret",
		MaxConnections: 2,
	}, nil)
	transport := NewTransport(pool)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = transport.Post(ctx, Article{
		MessageID: "abc123@usenetsync",
		Subject:   "test subject",
		Newsgroup: "alt.binaries.test",
		From:      "poster@example.invalid",
		Body:      []byte("=ybegin line=128 size=5 name=x\r\n...test\r\n=yend size=5 crc32=00000000\r\n"),
	})
	assert.NoError(t, err)
}

func mustAtoi(t *testing.T, s string) int {
	t.Helper()
	var n int
	for _, r := range s {
		n = n*10 + int(r-'0')
	}
	return n
}
