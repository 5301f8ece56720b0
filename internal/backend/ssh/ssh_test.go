package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/specialistvlad/bdsgo/internal/config"
	"github.com/specialistvlad/bdsgo/internal/ctxlog"
	"github.com/specialistvlad/bdsgo/internal/executioner"
	"github.com/specialistvlad/bdsgo/internal/task"
	"github.com/specialistvlad/bdsgo/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// loopbackDialer starts an in-process SSH server on a loopback port that runs
// `exec` requests through the local shell. Every host address is redirected
// to it.
func loopbackDialer(t *testing.T) DialFunc {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	srvCfg := &ssh.ServerConfig{
		PasswordCallback: func(_ ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if string(pass) == "secret" {
				return nil, nil
			}
			return nil, errors.New("denied")
		},
	}
	srvCfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go serve(c, srvCfg)
		}
	}()

	return func(network, _ string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
		return ssh.Dial(network, ln.Addr().String(), cfg)
	}
}

func serve(c net.Conn, cfg *ssh.ServerConfig) {
	defer c.Close()
	_, chans, reqs, err := ssh.NewServerConn(c, cfg)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		ch, requests, err := nc.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer ch.Close()
			for req := range requests {
				if req.Type != "exec" {
					_ = req.Reply(false, nil)
					continue
				}
				_ = req.Reply(true, nil)
				cmd := exec.Command("sh", "-s")
				cmd.Stdin, cmd.Stdout, cmd.Stderr = ch, ch, ch.Stderr()
				code := 0
				var exitErr *exec.ExitError
				if err := cmd.Run(); errors.As(err, &exitErr) {
					code = exitErr.ExitCode()
				}
				_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
				return
			}
		}()
	}
}

func newTestExecutioner(t *testing.T, hosts ...*config.SSHHost) *Executioner {
	t.Helper()
	e, err := New(&config.SSHConfig{Hosts: hosts})
	require.NoError(t, err)
	e.SetDialer(loopbackDialer(t))
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func TestSubmitOverSSH(t *testing.T) {
	e := newTestExecutioner(t, &config.SSHHost{Name: "node1", Address: "node1", User: "bds", Password: "secret", Cpus: 2})
	ctx := context.Background()

	tk := task.New("t1", "remote", "echo remote\necho oops 1>&2\nexit 3")
	tk.Dir = t.TempDir()
	release, err := e.Admit(ctx, tk)
	require.NoError(t, err)
	defer release()
	assert.Equal(t, "node1", e.HostFor("t1"))

	pid, err := e.Submit(ctx, tk)
	require.NoError(t, err)
	assert.Equal(t, pid, e.ParsePidLine(pid))

	var st executioner.Status
	require.Eventually(t, func() bool {
		st, err = e.Poll(ctx, pid)
		require.NoError(t, err)
		return st.Done
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, st.ExitCode)

	out, err := os.ReadFile(tk.StdoutPath())
	require.NoError(t, err)
	assert.Equal(t, "remote\n", string(out))
	errOut, err := os.ReadFile(tk.StderrPath())
	require.NoError(t, err)
	assert.Equal(t, "oops\n", string(errOut))
}

func TestExitCodeWriteFailureIsLogged(t *testing.T) {
	e := newTestExecutioner(t, &config.SSHHost{Name: "node1", Address: "node1", Password: "secret"})
	logs := &testutil.SafeBuffer{}
	ctx := ctxlog.WithLogger(context.Background(), ctxlog.New("debug", "text", logs))

	tk := task.New("t1", "remote", "true")
	tk.Dir = t.TempDir()
	// A non-empty directory where the exit code file belongs cannot be replaced.
	testutil.WriteFile(t, tk.ExitCodePath(), "keep", "x")

	pid, err := e.Submit(ctx, tk)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, err := e.Poll(ctx, pid)
		require.NoError(t, err)
		return st.Done
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, logs.String(), "Writing exit code file failed.")
	assert.NoError(t, e.Kill(ctx, pid), "killing a finished job is a no-op")
}

func TestAuthFailure(t *testing.T) {
	e := newTestExecutioner(t, &config.SSHHost{Name: "node1", Address: "node1", Password: "wrong"})
	tk := task.New("t1", "remote", "true")
	tk.Dir = t.TempDir()
	_, err := e.Submit(context.Background(), tk)
	assert.ErrorContains(t, err, "connecting to node1")

	e = newTestExecutioner(t, &config.SSHHost{Name: "bare", Address: "bare"})
	_, err = e.Submit(context.Background(), tk)
	assert.ErrorContains(t, err, "neither key_file nor password")
}

func TestAdmitSpreadsOverHosts(t *testing.T) {
	e := newTestExecutioner(t,
		&config.SSHHost{Name: "a", Address: "a", Password: "secret", Cpus: 1},
		&config.SSHHost{Name: "b", Address: "b", Password: "secret", Cpus: 1},
	)
	ctx := context.Background()

	r1, err := e.Admit(ctx, task.New("t1", "x", ""))
	require.NoError(t, err)
	r2, err := e.Admit(ctx, task.New("t2", "x", ""))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, []string{e.HostFor("t1"), e.HostFor("t2")})

	big := task.New("t3", "x", "")
	big.Resources.Cpus = 4
	_, err = e.Admit(ctx, big)
	assert.ErrorIs(t, err, executioner.ErrNeverFits)

	r1()
	r2()
}

func TestNewNeedsHosts(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}
