package sink

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

type recordedRequest struct {
	method string
	path   string
	body   string
}

func fakeS3(t *testing.T) (*httptest.Server, func() []recordedRequest) {
	t.Helper()
	var mu sync.Mutex
	var requests []recordedRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		requests = append(requests, recordedRequest{method: r.Method, path: r.URL.Path, body: string(body)})
		mu.Unlock()
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	return srv, func() []recordedRequest {
		mu.Lock()
		defer mu.Unlock()
		out := make([]recordedRequest, len(requests))
		copy(out, requests)
		return out
	}
}

func testS3Options(endpoint string) S3Options {
	return S3Options{
		Region:    "us-east-1",
		AccessKey: "test-access",
		SecretKey: "test-secret",
		Endpoint:  endpoint,
		PathStyle: true,
	}
}

func TestS3Sink_UploadsOnClose(t *testing.T) {
	srv, requests := fakeS3(t)
	s := NewS3(hclog.NewNullLogger(), testS3Options(srv.URL), "media", "renders/clip.mp4")

	require.NoError(t, s.Open(context.Background()))
	_, err := s.Write([]byte("container-payload"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	got := requests()
	require.Len(t, got, 1)
	assert.Equal(t, http.MethodPut, got[0].method)
	assert.Equal(t, "/media/renders/clip.mp4", got[0].path)
	assert.Contains(t, got[0].body, "container-payload")
}

func TestS3Sink_AbortUploadsNothing(t *testing.T) {
	srv, requests := fakeS3(t)
	s := NewS3(hclog.NewNullLogger(), testS3Options(srv.URL), "media", "clip.mp4")

	require.NoError(t, s.Open(context.Background()))
	_, err := s.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, s.Abort())

	assert.Empty(t, requests())
	_, err = s.Write([]byte("more"))
	assert.ErrorIs(t, err, errNotOpen)
	assert.NoError(t, s.Abort())
}

// startSFTPServer runs an in-process SSH server with the sftp subsystem,
// serving the local filesystem.
func startSFTPServer(t *testing.T, user, password string) (string, string) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == user && string(pass) == password {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
	}
	config.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSSH(conn, config)
		}
	}()

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	return host, port
}

func serveSSH(conn net.Conn, config *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			return
		}
		go func(in <-chan *ssh.Request) {
			for req := range in {
				ok := req.Type == "subsystem" && len(req.Payload) > 4 && string(req.Payload[4:]) == "sftp"
				req.Reply(ok, nil)
			}
		}(requests)

		server, err := sftp.NewServer(channel)
		if err != nil {
			channel.Close()
			continue
		}
		go func() {
			server.Serve()
			server.Close()
		}()
	}
}

func TestSFTPSink_PublishesOnClose(t *testing.T) {
	host, port := startSFTPServer(t, "tester", "secret")
	dir := t.TempDir()
	dest := filepath.Join(dir, "renders", "clip.mp4")

	s := NewSFTP(hclog.NewNullLogger(), SFTPOptions{Host: host, Port: port, User: "tester", Password: "secret"}, dest)
	require.NoError(t, s.Open(context.Background()))
	_, err := s.Write([]byte("sftp-payload"))
	require.NoError(t, err)

	_, err = os.Stat(dest)
	assert.True(t, os.IsNotExist(err), "destination is not visible before close")

	require.NoError(t, s.Close())
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "sftp-payload", string(data))
	assert.Equal(t, []string{"clip.mp4"}, listDir(t, filepath.Dir(dest)))
}

func TestSFTPSink_AbortRemovesPartialFile(t *testing.T) {
	host, port := startSFTPServer(t, "tester", "secret")
	dir := t.TempDir()

	s := NewSFTP(hclog.NewNullLogger(), SFTPOptions{Host: host, Port: port, User: "tester", Password: "secret"}, filepath.Join(dir, "clip.mp4"))
	require.NoError(t, s.Open(context.Background()))
	_, err := s.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, s.Abort())

	assert.Empty(t, listDir(t, dir))
}

func TestSFTPSink_AuthFailures(t *testing.T) {
	host, port := startSFTPServer(t, "tester", "secret")

	s := NewSFTP(hclog.NewNullLogger(), SFTPOptions{Host: host, Port: port, User: "tester", Password: "wrong"}, "/tmp/x.mp4")
	assert.Error(t, s.Open(context.Background()))

	s = NewSFTP(hclog.NewNullLogger(), SFTPOptions{Host: host, Port: port, User: "tester"}, "/tmp/x.mp4")
	assert.ErrorContains(t, s.Open(context.Background()), "no auth method")

	s = NewSFTP(hclog.NewNullLogger(), SFTPOptions{Host: host, Port: port, User: "tester", PrivateKey: "not a key"}, "/tmp/x.mp4")
	assert.ErrorContains(t, s.Open(context.Background()), "parse private key")
}
