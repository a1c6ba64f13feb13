/*Package upload pushes scan artifacts to a remote server over SFTP.

A Client holds only the ssh section of the configuration; every Put opens
its own SSH session and closes it afterwards.  Uploads happen at most once
per command, so there is nothing to gain from keeping a session alive
between them, and a fresh session survives the server rebooting.
*/
package upload

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/kybfarm/hsi/config"
	"github.com/kybfarm/hsi/fault"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DialFunc opens an SSH client connection
type DialFunc func(network, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error)

// Client uploads files to the host named in an SSH config section
type Client struct {
	SSH config.SSH

	// DialTimeout bounds each connection attempt
	DialTimeout time.Duration

	// RetryTimeout bounds the total time spent retrying the dial
	RetryTimeout time.Duration

	// Dial defaults to ssh.Dial
	Dial DialFunc

	Logger *log.Logger
}

// New returns a Client for the given section.  If logger is nil, one writing
// to stderr is used.
func New(cfg config.SSH, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.New(os.Stderr, "[upload] ", log.LstdFlags)
	}
	return &Client{
		SSH:          cfg,
		DialTimeout:  10 * time.Second,
		RetryTimeout: 30 * time.Second,
		Dial:         ssh.Dial,
		Logger:       logger}
}

// Addr is the host:port of the server
func (c *Client) Addr() string {
	port := c.SSH.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.SSH.ServerIP, strconv.Itoa(port))
}

// ClientConfig builds the SSH client configuration.  A key file is preferred
// over a password; at least one is required.  Host keys are checked against
// ssh.known_hosts, ~/.ssh/known_hosts by default, unless
// ssh.insecure_host_key is set.
func (c *Client) ClientConfig() (*ssh.ClientConfig, error) {
	const op = "upload.ClientConfig"
	if c.SSH.User == "" || c.SSH.ServerIP == "" {
		return nil, fault.New(fault.ConfigurationError, op, "ssh.user and ssh.server_ip are required")
	}
	var auth []ssh.AuthMethod
	if c.SSH.KeyFile != "" {
		pem, err := os.ReadFile(c.SSH.KeyFile)
		if err != nil {
			return nil, fault.Wrap(fault.ConfigurationError, op, "reading key file", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fault.Wrap(fault.ConfigurationError, op, "parsing key file "+c.SSH.KeyFile, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if c.SSH.Password != "" {
		auth = append(auth, ssh.Password(c.SSH.Password))
	}
	if len(auth) == 0 {
		return nil, fault.New(fault.ConfigurationError, op, "ssh.key_file or ssh.password is required")
	}

	var hostKey ssh.HostKeyCallback
	if c.SSH.InsecureHostKey {
		c.Logger.Printf("ssh.insecure_host_key is set, not verifying the key of %s", c.SSH.ServerIP)
		hostKey = ssh.InsecureIgnoreHostKey()
	} else {
		kh, err := c.SSH.KnownHostsPath()
		if err != nil {
			return nil, fault.Wrap(fault.ConfigurationError, op, "locating known_hosts", err)
		}
		hostKey, err = knownhosts.New(kh)
		if err != nil {
			return nil, fault.Wrap(fault.ConfigurationError, op, "reading known_hosts "+kh, err)
		}
	}
	return &ssh.ClientConfig{
		User:            c.SSH.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         c.DialTimeout}, nil
}

// dial connects with exponential backoff.  Authentication and host key
// failures are not retried.
func (c *Client) dial() (*ssh.Client, error) {
	cfg, err := c.ClientConfig()
	if err != nil {
		return nil, err
	}
	var conn *ssh.Client
	var lastErr error
	op := func() error {
		cl, err := c.Dial("tcp", c.Addr(), cfg)
		if err != nil {
			lastErr = err
			var ne net.Error
			if !errors.As(err, &ne) {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = cl
		return nil
	}
	err = backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     250 * time.Millisecond,
		RandomizationFactor: 0.1,
		Multiplier:          2.,
		MaxInterval:         5 * time.Second,
		MaxElapsedTime:      c.RetryTimeout,
		Clock:               backoff.SystemClock})
	if err != nil {
		if lastErr != nil {
			err = lastErr
		}
		return nil, fault.Wrap(fault.ConnectionFailure, "upload.dial", "unable to reach "+c.Addr(), err)
	}
	return conn, nil
}

// Put copies the local file to remoteDir/remoteName, creating remoteDir if
// needed.  An empty remoteName keeps the local base name.  It returns the
// remote path.
func (c *Client) Put(local, remoteDir, remoteName string) (string, error) {
	conn, err := c.dial()
	if err != nil {
		return "", err
	}
	defer conn.Close()
	sc, err := sftp.NewClient(conn)
	if err != nil {
		return "", fault.Wrap(fault.ConnectionFailure, "upload.Put", "starting sftp", err)
	}
	defer sc.Close()
	dst, err := Send(sc, local, remoteDir, remoteName)
	if err != nil {
		return "", err
	}
	c.Logger.Printf("copied %s to %s:%s", local, c.SSH.ServerIP, dst)
	return dst, nil
}

// Send copies a file over an open SFTP session.  See Put.
func Send(sc *sftp.Client, local, remoteDir, remoteName string) (string, error) {
	if remoteName == "" {
		remoteName = filepath.Base(local)
	}
	dst := RemotePath(remoteDir, remoteName)
	src, err := os.Open(local)
	if err != nil {
		return "", err
	}
	defer src.Close()
	if remoteDir != "" {
		if err := sc.MkdirAll(remoteDir); err != nil {
			return "", fmt.Errorf("creating %s: %w", remoteDir, err)
		}
	}
	f, err := sc.Create(dst)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", dst, err)
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return "", fmt.Errorf("writing %s: %w", dst, err)
	}
	return dst, f.Close()
}

// RemotePath joins a remote directory and file name with forward slashes.
// A relative directory is relative to the login directory.
func RemotePath(dir, name string) string {
	if dir == "" {
		return name
	}
	return path.Join(dir, name)
}
