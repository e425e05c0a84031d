// Package testsupport spins up a throwaway SSH server for integration tests
// that need to drive real ssh/cat/gzip/stat/gunzip subprocesses against
// something real rather than mocking exec.Cmd, per SPEC_FULL.md's test
// tooling section.
package testsupport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"golang.org/x/crypto/ssh"
)

// SSH container configuration constants.
const (
	startupTimeout = 60 * time.Second
	dialTimeout    = 5 * time.Second
	retryInterval  = 500 * time.Millisecond
	keyBits        = 4096
)

// SSHServer holds references to a running SSH container used by the control
// channel and transfer task integration tests.
type SSHServer struct {
	Container testcontainers.Container
	Host      string
	Port      int
	User      string

	// PrivateKeyPath is the path to the generated keypair's private half, fed
	// to the ssh binary via -i by the tests' sshConnect args.
	PrivateKeyPath string
	RemoteDir      string

	keysDir string
}

// Config configures the SSH container.
type Config struct {
	// User is the SSH username (default: "logfetcher").
	User string
	// RemoteDir is the directory remote log files are created in
	// (default: "/data").
	RemoteDir string
}

func (c Config) withDefaults() Config {
	if c.User == "" {
		c.User = "logfetcher"
	}
	if c.RemoteDir == "" {
		c.RemoteDir = "/data"
	}
	return c
}

// Start launches an openssh-server container, waits for sshd to accept
// connections, and returns an SSHServer describing how to reach it.
func Start(ctx context.Context, cfg Config) (*SSHServer, error) {
	cfg = cfg.withDefaults()

	keysDir, privateKeyPath, publicKey, err := generateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("testsupport: generating keypair: %w", err)
	}

	req := testcontainers.ContainerRequest{
		Image:        "linuxserver/openssh-server:latest",
		ExposedPorts: []string{"2222/tcp"},
		Env: map[string]string{
			"PUID":            "1000",
			"PGID":            "1000",
			"TZ":              "UTC",
			"USER_NAME":       cfg.User,
			"PUBLIC_KEY":      publicKey,
			"SUDO_ACCESS":     "false",
			"PASSWORD_ACCESS": "false",
		},
		WaitingFor: wait.ForLog("sshd is listening on port").WithStartupTimeout(startupTimeout),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		_ = os.RemoveAll(keysDir)
		return nil, fmt.Errorf("testsupport: starting container: %w", err)
	}

	mappedPort, err := container.MappedPort(ctx, "2222")
	if err != nil {
		_ = container.Terminate(ctx)
		_ = os.RemoveAll(keysDir)
		return nil, fmt.Errorf("testsupport: mapped port: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		_ = os.RemoveAll(keysDir)
		return nil, fmt.Errorf("testsupport: container host: %w", err)
	}

	if exitCode, _, execErr := container.Exec(ctx, []string{"mkdir", "-p", cfg.RemoteDir}); execErr != nil || exitCode != 0 {
		_ = container.Terminate(ctx)
		_ = os.RemoveAll(keysDir)
		return nil, fmt.Errorf("testsupport: creating remote dir: %w (exit %d)", execErr, exitCode)
	}
	if exitCode, _, execErr := container.Exec(ctx, []string{"chown", "-R", cfg.User + ":" + cfg.User, cfg.RemoteDir}); execErr != nil || exitCode != 0 {
		_ = container.Terminate(ctx)
		_ = os.RemoveAll(keysDir)
		return nil, fmt.Errorf("testsupport: chown remote dir: %w (exit %d)", execErr, exitCode)
	}

	s := &SSHServer{
		Container:      container,
		Host:           host,
		Port:           mappedPort.Int(),
		User:           cfg.User,
		PrivateKeyPath: privateKeyPath,
		RemoteDir:      cfg.RemoteDir,
		keysDir:        keysDir,
	}

	if err := s.waitForSSH(ctx); err != nil {
		_ = s.Cleanup(ctx)
		return nil, err
	}

	return s, nil
}

// Cleanup terminates the container and removes the generated keypair.
func (s *SSHServer) Cleanup(ctx context.Context) error {
	var firstErr error
	if s.Container != nil {
		if err := s.Container.Terminate(ctx); err != nil {
			firstErr = fmt.Errorf("testsupport: terminating container: %w", err)
		}
	}
	if s.keysDir != "" {
		if err := os.RemoveAll(s.keysDir); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("testsupport: removing keys dir: %w", err)
		}
	}
	return firstErr
}

// SSHConnect returns the sshConnect argument list a HostConfig would use to
// reach this server, suitable for control.BuildArgs/transfer.Request.
func (s *SSHServer) SSHConnect() []string {
	return []string{
		"-i", s.PrivateKeyPath,
		"-p", fmt.Sprintf("%d", s.Port),
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		fmt.Sprintf("%s@%s", s.User, s.Host),
	}
}

// PutFile creates a file with content in the container at RemoteDir/relPath
// and sets its modification time, for listing/verifier-mtime tests.
func (s *SSHServer) PutFile(ctx context.Context, relPath string, content []byte, mtime time.Time) error {
	fullPath := filepath.Join(s.RemoteDir, relPath)
	dir := filepath.Dir(fullPath)

	if exitCode, _, err := s.Container.Exec(ctx, []string{"mkdir", "-p", dir}); err != nil || exitCode != 0 {
		return fmt.Errorf("testsupport: mkdir %s: %w (exit %d)", dir, err, exitCode)
	}

	if len(content) == 0 {
		if exitCode, _, err := s.Container.Exec(ctx, []string{"touch", fullPath}); err != nil || exitCode != 0 {
			return fmt.Errorf("testsupport: writing %s: %w (exit %d)", fullPath, err, exitCode)
		}
	} else if err := s.Container.CopyToContainer(ctx, content, fullPath, 0o644); err != nil {
		return fmt.Errorf("testsupport: writing %s: %w", fullPath, err)
	}

	stamp := mtime.UTC().Format("200601021504.05")
	if exitCode, _, err := s.Container.Exec(ctx, []string{"touch", "-t", stamp, fullPath}); err != nil || exitCode != 0 {
		return fmt.Errorf("testsupport: setting mtime on %s: %w (exit %d)", fullPath, err, exitCode)
	}
	if exitCode, _, err := s.Container.Exec(ctx, []string{"chown", s.User + ":" + s.User, fullPath}); err != nil || exitCode != 0 {
		return fmt.Errorf("testsupport: chown %s: %w (exit %d)", fullPath, err, exitCode)
	}

	return nil
}

// SetMtime updates the modification time of an already-created remote file,
// used to simulate the timestamp race in scenario 4 of the spec's testable
// properties.
func (s *SSHServer) SetMtime(ctx context.Context, relPath string, mtime time.Time) error {
	fullPath := filepath.Join(s.RemoteDir, relPath)
	stamp := mtime.UTC().Format("200601021504.05")
	exitCode, _, err := s.Container.Exec(ctx, []string{"touch", "-t", stamp, fullPath})
	if err != nil || exitCode != 0 {
		return fmt.Errorf("testsupport: setting mtime on %s: %w (exit %d)", fullPath, err, exitCode)
	}
	return nil
}

func (s *SSHServer) waitForSSH(ctx context.Context) error {
	deadline := time.Now().Add(startupTimeout)

	keyData, err := os.ReadFile(s.PrivateKeyPath)
	if err != nil {
		return fmt.Errorf("testsupport: reading private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return fmt.Errorf("testsupport: parsing private key: %w", err)
	}

	config := &ssh.ClientConfig{
		User:            s.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // test-only throwaway container
		Timeout:         dialTimeout,
	}
	addr := fmt.Sprintf("%s:%d", s.Host, s.Port)

	for time.Now().Before(deadline) {
		client, dialErr := ssh.Dial("tcp", addr, config)
		if dialErr == nil {
			_ = client.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return fmt.Errorf("testsupport: timed out waiting for sshd at %s", addr)
}

func generateKeyPair() (keysDir, privateKeyPath, publicKey string, err error) {
	keysDir, err = os.MkdirTemp("", "logfetcher-ssh-keys-")
	if err != nil {
		return "", "", "", fmt.Errorf("temp dir: %w", err)
	}

	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		_ = os.RemoveAll(keysDir)
		return "", "", "", fmt.Errorf("generating key: %w", err)
	}

	privateKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	privateKeyPath = filepath.Join(keysDir, "id_rsa")
	if writeErr := os.WriteFile(privateKeyPath, privateKeyPEM, 0o600); writeErr != nil {
		_ = os.RemoveAll(keysDir)
		return "", "", "", fmt.Errorf("writing private key: %w", writeErr)
	}

	pub, err := ssh.NewPublicKey(&key.PublicKey)
	if err != nil {
		_ = os.RemoveAll(keysDir)
		return "", "", "", fmt.Errorf("deriving public key: %w", err)
	}
	publicKey = string(ssh.MarshalAuthorizedKey(pub))

	return keysDir, privateKeyPath, publicKey, nil
}
