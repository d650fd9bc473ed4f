package driver

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
)

// process is a child started by the local and remote-shell drivers.
type process struct {
	id   string
	cmd  *exec.Cmd
	done chan struct{}
	err  error

	closeOnce sync.Once
	files     []*os.File
}

// startProcess runs name with args in req.RunPath, redirecting output to
// <job name>.stdout and <job name>.stderr in the same directory.
func startProcess(req Request, name string, args ...string) (*process, error) {
	base := req.Name
	if base == "" {
		base = req.RunID
	}
	stdout, err := os.Create(filepath.Join(req.RunPath, base+".stdout"))
	if err != nil {
		return nil, fmt.Errorf("create stdout: %w", err)
	}
	stderr, err := os.Create(filepath.Join(req.RunPath, base+".stderr"))
	if err != nil {
		stdout.Close()
		return nil, fmt.Errorf("create stderr: %w", err)
	}

	cmd := exec.Command(name, args...)
	cmd.Dir = req.RunPath
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Own process group, so kill reaches whatever a wrapper shell started.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	p := &process{
		id:    req.RunID,
		cmd:   cmd,
		done:  make(chan struct{}),
		files: []*os.File{stdout, stderr},
	}
	if err := cmd.Start(); err != nil {
		p.close()
		return nil, err
	}
	p.id = fmt.Sprintf("%s/%d", req.RunID, cmd.Process.Pid)

	go func() {
		p.err = cmd.Wait()
		p.close()
		close(p.done)
	}()
	return p, nil
}

func (p *process) String() string { return p.id }

func (p *process) status() Status {
	select {
	case <-p.done:
		if p.err != nil {
			return StatusFailed
		}
		return StatusDone
	default:
		return StatusRunning
	}
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// kill signals the whole process group. Children left behind by a process
// that already exited are killed too.
func (p *process) kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
	if err != nil && !errors.Is(err, syscall.ESRCH) && !p.exited() {
		return err
	}
	return nil
}

func (p *process) close() {
	p.closeOnce.Do(func() {
		for _, f := range p.files {
			f.Close()
		}
	})
}

// processTable tracks live processes by handle.
type processTable struct {
	mu    sync.Mutex
	procs map[*process]struct{}
}

func (t *processTable) add(p *process) {
	t.mu.Lock()
	if t.procs == nil {
		t.procs = make(map[*process]struct{})
	}
	t.procs[p] = struct{}{}
	t.mu.Unlock()
}

func (t *processTable) lookup(h Handle) (*process, bool) {
	p, ok := h.(*process)
	if !ok {
		return nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok = t.procs[p]
	return p, ok
}

// remove deletes p and kills it if it is still alive.
func (t *processTable) remove(h Handle) (*process, bool) {
	p, ok := t.lookup(h)
	if !ok {
		return nil, false
	}
	t.mu.Lock()
	delete(t.procs, p)
	t.mu.Unlock()
	_ = p.kill()
	return p, true
}

func (t *processTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.procs)
}
