package sink

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"path"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SFTPOptions configures SFTP access. Host, Port, User and Password may be
// overridden per destination by the URI.
type SFTPOptions struct {
	Host     string
	Port     string
	User     string
	Password string
	// PrivateKey is a PEM key, raw or base64 encoded. It takes precedence
	// over Password.
	PrivateKey string
	// PrivateKeyFile is read when PrivateKey is empty.
	PrivateKeyFile string
	// KnownHostsFile verifies host keys. Empty accepts any host key.
	KnownHostsFile string
	Timeout        time.Duration
}

// SFTPSink writes to a hidden temporary file on the server and renames it
// into place on Close.
type SFTPSink struct {
	logger     hclog.Logger
	opts       SFTPOptions
	remotePath string

	ssh     *ssh.Client
	client  *sftp.Client
	file    *sftp.File
	tmpPath string
}

// NewSFTP creates a sink for remotePath on the configured server.
func NewSFTP(logger hclog.Logger, opts SFTPOptions, remotePath string) *SFTPSink {
	if opts.Port == "" {
		opts.Port = "22"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &SFTPSink{
		logger:     logger.Named("sftp"),
		opts:       opts,
		remotePath: remotePath,
	}
}

// Destination implements Sink.
func (s *SFTPSink) Destination() string {
	return fmt.Sprintf("sftp://%s@%s%s", s.opts.User, net.JoinHostPort(s.opts.Host, s.opts.Port), s.remotePath)
}

func (s *SFTPSink) authMethods() ([]ssh.AuthMethod, error) {
	key := s.opts.PrivateKey
	if key == "" && s.opts.PrivateKeyFile != "" {
		data, err := os.ReadFile(s.opts.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		key = string(data)
	}

	if key != "" {
		// try to decode as base64, fall back to raw
		keyBytes, err := base64.StdEncoding.DecodeString(key)
		if err != nil {
			keyBytes = []byte(key)
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	if s.opts.Password != "" {
		return []ssh.AuthMethod{ssh.Password(s.opts.Password)}, nil
	}
	return nil, fmt.Errorf("no auth method configured; set a password or private key")
}

func (s *SFTPSink) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if s.opts.KnownHostsFile == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	return knownhosts.New(s.opts.KnownHostsFile)
}

// Open implements Sink.
func (s *SFTPSink) Open(ctx context.Context) error {
	if s.file != nil {
		return fmt.Errorf("sink already open: %s", s.Destination())
	}

	auths, err := s.authMethods()
	if err != nil {
		return err
	}
	hostKeys, err := s.hostKeyCallback()
	if err != nil {
		return fmt.Errorf("load known hosts: %w", err)
	}

	config := &ssh.ClientConfig{
		User:            s.opts.User,
		Auth:            auths,
		HostKeyCallback: hostKeys,
		Timeout:         s.opts.Timeout,
	}

	addr := net.JoinHostPort(s.opts.Host, s.opts.Port)
	d := net.Dialer{Timeout: s.opts.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial tcp %s: %w", addr, err)
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	sshClient := ssh.NewClient(clientConn, chans, reqs)

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return fmt.Errorf("create sftp client: %w", err)
	}

	dir := path.Dir(s.remotePath)
	if err := mkdirAllSFTP(client, dir); err != nil {
		client.Close()
		sshClient.Close()
		return fmt.Errorf("ensure remote dir %s: %w", dir, err)
	}

	tmpPath := path.Join(dir, fmt.Sprintf(".%s.%d.partial", path.Base(s.remotePath), time.Now().UnixNano()))
	f, err := client.Create(tmpPath)
	if err != nil {
		client.Close()
		sshClient.Close()
		return fmt.Errorf("create remote file %s: %w", tmpPath, err)
	}

	s.ssh = sshClient
	s.client = client
	s.file = f
	s.tmpPath = tmpPath
	return nil
}

// Write implements Sink.
func (s *SFTPSink) Write(p []byte) (int, error) {
	if s.file == nil {
		return 0, errNotOpen
	}
	return s.file.Write(p)
}

// Close implements Sink.
func (s *SFTPSink) Close() error {
	if s.file == nil {
		return errNotOpen
	}
	defer s.release()

	if err := s.file.Close(); err != nil {
		s.client.Remove(s.tmpPath)
		return fmt.Errorf("close remote file %s: %w", s.tmpPath, err)
	}
	if err := s.rename(); err != nil {
		s.client.Remove(s.tmpPath)
		return err
	}

	s.logger.Info("uploaded file", "host", s.opts.Host, "path", s.remotePath)
	return nil
}

// rename moves the staged file over the destination, preferring the atomic
// posix-rename extension when the server offers it.
func (s *SFTPSink) rename() error {
	if _, ok := s.client.HasExtension("posix-rename@openssh.com"); ok {
		if err := s.client.PosixRename(s.tmpPath, s.remotePath); err != nil {
			return fmt.Errorf("rename %s: %w", s.remotePath, err)
		}
		return nil
	}
	if _, err := s.client.Stat(s.remotePath); err == nil {
		if err := s.client.Remove(s.remotePath); err != nil {
			return fmt.Errorf("replace %s: %w", s.remotePath, err)
		}
	}
	if err := s.client.Rename(s.tmpPath, s.remotePath); err != nil {
		return fmt.Errorf("rename %s: %w", s.remotePath, err)
	}
	return nil
}

// Abort implements Sink.
func (s *SFTPSink) Abort() error {
	if s.file == nil {
		return nil
	}
	defer s.release()

	s.file.Close()
	if err := s.client.Remove(s.tmpPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove partial file %s: %w", s.tmpPath, err)
	}
	return nil
}

func (s *SFTPSink) release() {
	if s.client != nil {
		s.client.Close()
	}
	if s.ssh != nil {
		s.ssh.Close()
	}
	s.client = nil
	s.ssh = nil
	s.file = nil
	s.tmpPath = ""
}

// mkdirAllSFTP mimics os.MkdirAll for an SFTP server by creating each segment of the path.
func mkdirAllSFTP(client *sftp.Client, dir string) error {
	if dir == "" || dir == "." || dir == "/" {
		return nil
	}

	parts := strings.Split(dir, "/")
	cur := ""
	if strings.HasPrefix(dir, "/") {
		cur = "/"
	}

	for _, p := range parts {
		if p == "" {
			continue
		}
		cur = path.Join(cur, p)
		if _, err := client.Stat(cur); err != nil {
			if os.IsNotExist(err) {
				if err := client.Mkdir(cur); err != nil {
					return fmt.Errorf("mkdir %s: %w", cur, err)
				}
			} else {
				return fmt.Errorf("stat %s: %w", cur, err)
			}
		}
	}
	return nil
}
