// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package host

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sys/unix"

	"go.chromium.org/gallio/errors"
	"go.chromium.org/gallio/internal/logging"
)

// Launcher starts host processes.
type Launcher interface {
	// Launch starts the host executable with args, applying the working
	// directory and environment of setup.
	Launch(ctx context.Context, setup *Setup, args []string) (Process, error)
	// Local reports whether processes run on the machine of the caller.
	Local() bool
}

// Process is a running host process.
type Process interface {
	// Stdin returns stdin of the process. Closing it asks the host to exit.
	Stdin() io.WriteCloser
	// Stdout returns stdout of the process.
	Stdout() io.Reader
	// Stderr returns stderr of the process.
	Stderr() io.Reader
	// Wait waits for the process to exit and releases its resources. It must
	// be called after stdout and stderr are read to the end.
	Wait() error
	// Kill kills the process and all its descendants.
	Kill() error
}

// ExecLauncher starts host processes on the local machine.
type ExecLauncher struct {
	// Path is the path to the gallio_host executable.
	Path string
}

var _ Launcher = (*ExecLauncher)(nil)

// Local returns true.
func (l *ExecLauncher) Local() bool { return true }

// Launch starts a host process in its own process group.
func (l *ExecLauncher) Launch(ctx context.Context, setup *Setup, args []string) (Process, error) {
	cmd := exec.Command(l.Path, args...)
	cmd.Dir = setup.WorkingDir
	cmd.Env = append(os.Environ(), setup.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "failed to start %s", l.Path)
	}
	logging.Debugf(ctx, "Started host process %d: %s %v", cmd.Process.Pid, l.Path, args)
	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

// execProcess is a locally running host process.
type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Stderr() io.Reader     { return p.stderr }
func (p *execProcess) Wait() error           { return p.cmd.Wait() }

// Kill sends SIGKILL to the process group of the host and to descendants
// that left the group.
func (p *execProcess) Kill() error {
	pid := p.cmd.Process.Pid
	descendants := descendantPIDs(int32(pid))
	err := unix.Kill(-pid, unix.SIGKILL)
	if err == unix.ESRCH {
		err = nil
	}
	for _, d := range descendants {
		unix.Kill(int(d), unix.SIGKILL)
	}
	return err
}

// descendantPIDs returns the pids of all descendants of pid.
func descendantPIDs(pid int32) []int32 {
	procs, err := process.Processes()
	if err != nil {
		return nil
	}
	children := make(map[int32][]int32)
	for _, proc := range procs {
		ppid, err := proc.Ppid()
		if err != nil {
			continue
		}
		children[ppid] = append(children[ppid], proc.Pid)
	}

	var pids []int32
	queue := []int32{pid}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, c := range children[cur] {
			pids = append(pids, c)
			queue = append(queue, c)
		}
	}
	return pids
}

// SSHLauncher starts host processes on a remote machine over SSH.
type SSHLauncher struct {
	// Client is a connected SSH client.
	Client *ssh.Client
	// Path is the path to the gallio_host executable on the remote machine.
	Path string
}

var _ Launcher = (*SSHLauncher)(nil)

// Local returns false.
func (l *SSHLauncher) Local() bool { return false }

// Launch starts a host process in a new SSH session.
func (l *SSHLauncher) Launch(ctx context.Context, setup *Setup, args []string) (Process, error) {
	sess, err := l.Client.NewSession()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create session")
	}
	p, err := startSession(sess, shellCommand(setup.WorkingDir, setup.Env, append([]string{l.Path}, args...)))
	if err != nil {
		sess.Close()
		return nil, err
	}
	logging.Debugf(ctx, "Started remote host process: %s %v", l.Path, args)
	return p, nil
}

func startSession(sess *ssh.Session, cmd string) (*sshProcess, error) {
	stdin, err := sess.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := sess.Start(cmd); err != nil {
		return nil, errors.Wrap(err, "failed to start remote host")
	}
	return &sshProcess{sess: sess, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

// sshProcess is a host process running in an SSH session.
type sshProcess struct {
	sess   *ssh.Session
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader

	closeOnce sync.Once
}

func (p *sshProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *sshProcess) Stdout() io.Reader     { return p.stdout }
func (p *sshProcess) Stderr() io.Reader     { return p.stderr }

func (p *sshProcess) Wait() error {
	err := p.sess.Wait()
	p.close()
	return err
}

// Kill signals the remote process and closes the session. sshd kills the
// remaining processes of the session when its channel is closed.
func (p *sshProcess) Kill() error {
	p.sess.Signal(ssh.SIGKILL)
	p.close()
	return nil
}

func (p *sshProcess) close() {
	p.closeOnce.Do(func() { p.sess.Close() })
}
