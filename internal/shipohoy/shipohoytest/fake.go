// Package shipohoytest provides an in-memory Runtime and Builder with
// fault injection.
package shipohoytest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"pkt.systems/moorage/internal/shipohoy"
)

// Op names a Runtime method for fault injection.
type Op string

const (
	OpPing        Op = "ping"
	OpImageExists Op = "image_exists"
	OpCreate      Op = "create"
	OpInspect     Op = "inspect"
	OpStart       Op = "start"
	OpStop        Op = "stop"
	OpRemove      Op = "remove"
	OpExec        Op = "exec"
)

// ExecFunc emulates a command inside a container. It writes output to w
// and returns the exit code.
type ExecFunc func(containerID string, cmd []string, w io.Writer) (int, error)

// Container is the fake's record of a created container.
type Container struct {
	ID      string
	Spec    shipohoy.ContainerSpec
	Running bool
}

// Runtime is a fake shipohoy.Runtime. The zero value is not usable; call
// NewRuntime.
type Runtime struct {
	mu         sync.Mutex
	seq        int
	containers map[string]*Container
	images     map[string]bool
	faults     map[Op][]error
	calls      map[Op]int
	down       bool
	// startLeavesStopped makes Start succeed without running the container.
	startLeavesStopped bool
	exec               ExecFunc
}

// NewRuntime returns an empty fake runtime that knows the given images.
func NewRuntime(images ...string) *Runtime {
	r := &Runtime{
		containers: map[string]*Container{},
		images:     map[string]bool{},
		faults:     map[Op][]error{},
		calls:      map[Op]int{},
		exec:       DefaultExec,
	}
	for _, img := range images {
		r.images[img] = true
	}
	return r
}

// SetExec replaces the command emulator.
func (r *Runtime) SetExec(fn ExecFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn == nil {
		fn = DefaultExec
	}
	r.exec = fn
}

// FailNext queues err as the result of the next call to op.
func (r *Runtime) FailNext(op Op, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faults[op] = append(r.faults[op], err)
}

// SetUnavailable makes every call fail as an unreachable runtime.
func (r *Runtime) SetUnavailable(down bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.down = down
}

// StartLeavesStopped makes Start report success while the container stays
// stopped.
func (r *Runtime) StartLeavesStopped(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startLeavesStopped = v
}

// Vanish deletes a container behind the orchestrator's back.
func (r *Runtime) Vanish(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.containers, id)
}

// Halt stops a container behind the orchestrator's back.
func (r *Runtime) Halt(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.containers[id]; ok {
		c.Running = false
	}
}

// AddImage registers an image as present.
func (r *Runtime) AddImage(image string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.images[image] = true
}

// Container returns a copy of the container record.
func (r *Runtime) Container(id string) (Container, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return Container{}, false
	}
	return *c, true
}

// Containers returns the ids of every live container record.
func (r *Runtime) Containers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.containers))
	for id := range r.containers {
		out = append(out, id)
	}
	return out
}

// Calls returns how many times op was invoked.
func (r *Runtime) Calls(op Op) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[op]
}

// enter records the call and returns an injected fault, if any. The caller
// must hold r.mu.
func (r *Runtime) enter(op Op) error {
	r.calls[op]++
	if r.down {
		return shipohoy.Unavailable(string(op), errors.New("connection refused"))
	}
	if queued := r.faults[op]; len(queued) > 0 {
		err := queued[0]
		r.faults[op] = queued[1:]
		return err
	}
	return nil
}

func (r *Runtime) Ping(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enter(OpPing)
}

func (r *Runtime) ImageExists(_ context.Context, image string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter(OpImageExists); err != nil {
		return false, err
	}
	return r.images[image], nil
}

func (r *Runtime) Create(_ context.Context, spec shipohoy.ContainerSpec) (shipohoy.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter(OpCreate); err != nil {
		return nil, err
	}
	if !r.images[spec.Image] {
		return nil, shipohoy.NotFound("create", spec.Name, fmt.Errorf("image %s not found", spec.Image))
	}
	r.seq++
	id := fmt.Sprintf("c%d", r.seq)
	r.containers[id] = &Container{ID: id, Spec: spec, Running: true}
	return shipohoy.NewHandle(spec.Name, id), nil
}

func (r *Runtime) Inspect(_ context.Context, id string) (shipohoy.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter(OpInspect); err != nil {
		return shipohoy.Status{}, err
	}
	c, ok := r.containers[id]
	if !ok {
		return shipohoy.Status{}, shipohoy.NotFound("inspect", id, nil)
	}
	state := "exited"
	if c.Running {
		state = "running"
	}
	return shipohoy.Status{ID: c.ID, Name: c.Spec.Name, Running: c.Running, State: state, Labels: c.Spec.Labels}, nil
}

func (r *Runtime) Start(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter(OpStart); err != nil {
		return err
	}
	c, ok := r.containers[id]
	if !ok {
		return shipohoy.NotFound("start", id, nil)
	}
	if !r.startLeavesStopped {
		c.Running = true
	}
	return nil
}

func (r *Runtime) Stop(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter(OpStop); err != nil {
		return err
	}
	c, ok := r.containers[id]
	if !ok {
		return shipohoy.NotFound("stop", id, nil)
	}
	c.Running = false
	return nil
}

func (r *Runtime) Remove(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter(OpRemove); err != nil {
		return err
	}
	if _, ok := r.containers[id]; !ok {
		return shipohoy.NotFound("remove", id, nil)
	}
	delete(r.containers, id)
	return nil
}

func (r *Runtime) Exec(_ context.Context, id string, spec shipohoy.ExecSpec) (shipohoy.ExecResult, error) {
	r.mu.Lock()
	if err := r.enter(OpExec); err != nil {
		r.mu.Unlock()
		return shipohoy.ExecResult{}, err
	}
	c, ok := r.containers[id]
	if !ok {
		r.mu.Unlock()
		return shipohoy.ExecResult{}, shipohoy.NotFound("exec", id, nil)
	}
	if !c.Running {
		r.mu.Unlock()
		return shipohoy.ExecResult{}, shipohoy.Failed("exec", id, errors.New("container is not running"))
	}
	fn := r.exec
	r.mu.Unlock()

	w := spec.Stdout
	if w == nil {
		w = io.Discard
	}
	started := time.Now()
	code, err := fn(id, spec.Command, w)
	if err != nil {
		return shipohoy.ExecResult{}, err
	}
	return shipohoy.ExecResult{ExitCode: code, Started: started, Finished: time.Now()}, nil
}

func (r *Runtime) Close() error { return nil }

// DefaultExec understands "echo ..." and "pwd" as the last argument of a
// shell invocation, and "exit N". Anything else prints the command and
// exits 0.
func DefaultExec(_ string, cmd []string, w io.Writer) (int, error) {
	if len(cmd) == 0 {
		return 127, nil
	}
	line := strings.TrimSpace(cmd[len(cmd)-1])
	switch {
	case line == "pwd":
		_, _ = io.WriteString(w, "/home/sandbox/workspace\n")
		return 0, nil
	case strings.HasPrefix(line, "echo "):
		_, _ = io.WriteString(w, strings.TrimPrefix(line, "echo ")+"\n")
		return 0, nil
	case strings.HasPrefix(line, "exit "):
		var code int
		if _, err := fmt.Sscanf(line, "exit %d", &code); err != nil {
			return 2, nil
		}
		return code, nil
	}
	_, _ = io.WriteString(w, line+"\n")
	return 0, nil
}

// Builder is a fake shipohoy.Builder that registers built tags with a
// Runtime.
type Builder struct {
	rt    *Runtime
	mu    sync.Mutex
	specs []shipohoy.BuildSpec
	err   error
	// Gate, when non-nil, blocks Build until it is closed.
	Gate chan struct{}
	// Entered, when non-nil, receives a value as each Build starts, if
	// there is room.
	Entered chan struct{}
}

// NewBuilder returns a builder that adds built tags to rt.
func NewBuilder(rt *Runtime) *Builder {
	return &Builder{rt: rt}
}

// FailWith makes every Build return err.
func (b *Builder) FailWith(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}

// Builds returns how many builds ran.
func (b *Builder) Builds() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.specs)
}

// LastSpec returns the most recent build spec.
func (b *Builder) LastSpec() (shipohoy.BuildSpec, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.specs) == 0 {
		return shipohoy.BuildSpec{}, false
	}
	return b.specs[len(b.specs)-1], true
}

func (b *Builder) Build(ctx context.Context, spec shipohoy.BuildSpec) (shipohoy.BuildResult, error) {
	select {
	case b.Entered <- struct{}{}:
	default:
	}
	if b.Gate != nil {
		select {
		case <-b.Gate:
		case <-ctx.Done():
			return shipohoy.BuildResult{}, ctx.Err()
		}
	}
	b.mu.Lock()
	b.specs = append(b.specs, spec)
	err := b.err
	b.mu.Unlock()
	if err != nil {
		return shipohoy.BuildResult{}, err
	}
	for _, tag := range spec.Tags {
		b.rt.AddImage(tag)
	}
	return shipohoy.BuildResult{ImageNames: append([]string(nil), spec.Tags...)}, nil
}
