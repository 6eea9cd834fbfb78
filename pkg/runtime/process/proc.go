package process

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const stopGrace = 3 * time.Second

// procHandle abstracts the spawned child so tests can run without real
// processes.
type procHandle interface {
	Start() error
	Stop() error
	Alive() bool
}

// newProcHandle builds the handle for one launch; swapped by tests.
var newProcHandle = func(args []string, env []string, logPath string) procHandle {
	return &osProcess{args: args, env: env, logPath: logPath, exited: make(chan struct{})}
}

// osProcess supervises one child process. The child joins its own process
// group so Stop can take down anything it forked.
type osProcess struct {
	args    []string
	env     []string
	logPath string

	mu      sync.Mutex
	cmd     *exec.Cmd
	done    bool
	exited  chan struct{}
	logFile *os.File
}

// splitAssignments peels leading K=V tokens off a composed sequence; they
// belong in the environment, not the argv.
func splitAssignments(tokens []string) (argv []string, env []string) {
	i := 0
	for ; i < len(tokens); i++ {
		if strings.HasPrefix(tokens[i], "-") || !strings.Contains(tokens[i], "=") {
			break
		}
		env = append(env, os.ExpandEnv(tokens[i]))
	}
	return tokens[i:], env
}

func (p *osProcess) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		return errors.New("process already started")
	}
	argv, extraEnv := splitAssignments(p.args)
	if len(argv) == 0 {
		return errors.New("empty launch sequence")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(p.env, extraEnv...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if p.logPath != "" {
		if err := os.MkdirAll(filepath.Dir(p.logPath), 0775); err != nil {
			return err
		}
		f, err := os.OpenFile(p.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		cmd.Stdout = f
		cmd.Stderr = f
		p.logFile = f
	}
	if err := cmd.Start(); err != nil {
		if p.logFile != nil {
			p.logFile.Close()
			p.logFile = nil
		}
		return err
	}
	p.cmd = cmd
	go p.handleExit()
	return nil
}

func (p *osProcess) handleExit() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.done = true
	if p.logFile != nil {
		p.logFile.Close()
		p.logFile = nil
	}
	close(p.exited)
	p.mu.Unlock()
	if err != nil {
		zap.S().Errorw("instance process exited with error", "cmd", p.args[0], "err", err)
	}
}

func (p *osProcess) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cmd != nil && !p.done
}

func (p *osProcess) Stop() error {
	p.mu.Lock()
	cmd := p.cmd
	done := p.done
	p.mu.Unlock()
	if cmd == nil || done {
		return nil
	}
	// negative pid addresses the whole process group
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	select {
	case <-p.exited:
		return nil
	case <-time.After(stopGrace):
	}
	zap.S().Warnw("instance process ignored SIGTERM, killing", "cmd", p.args[0])
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	<-p.exited
	return nil
}
