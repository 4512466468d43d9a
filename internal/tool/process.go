package tool

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/origincreativegroup/Loom/internal/config"
	"github.com/origincreativegroup/Loom/internal/model"
)

// CommandFunc builds the argument vector for one invocation.
type CommandFunc func(target string, opts Options) ([]string, error)

// ProcessAdapter runs a program installed on the local host.
type ProcessAdapter struct {
	desc   model.ToolDescriptor
	binary string
	args   CommandFunc
	parse  ParseFunc
	runner Runner
}

func NewProcessAdapter(desc model.ToolDescriptor, binary string, args CommandFunc, parse ParseFunc, runner Runner) *ProcessAdapter {
	desc.Kind = model.KindLocalProcess
	if runner == nil {
		runner = OSRunner{}
	}
	return &ProcessAdapter{desc: desc, binary: binary, args: args, parse: parse, runner: runner}
}

func (a *ProcessAdapter) Descriptor() model.ToolDescriptor {
	return a.desc
}

func (a *ProcessAdapter) Execute(ctx context.Context, target string, opts Options) model.ToolOutcome {
	out := begin(a.desc.Name)
	args, err := a.args(target, opts)
	if err != nil {
		return fail(ctx, out, err)
	}
	return runAndParse(ctx, out, a.runner, a.parse, target, a.binary, args...)
}

// ContainerAdapter runs a tool image with `docker run --rm`. Each run gets a
// unique container name so an abandoned run can be force-removed.
type ContainerAdapter struct {
	desc   model.ToolDescriptor
	docker config.DockerConfig
	image  string
	args   CommandFunc
	parse  ParseFunc
	runner Runner
}

func NewContainerAdapter(desc model.ToolDescriptor, docker config.DockerConfig, image string, args CommandFunc, parse ParseFunc, runner Runner) *ContainerAdapter {
	desc.Kind = model.KindLocalContainer
	if runner == nil {
		runner = OSRunner{}
	}
	if docker.Binary == "" {
		docker.Binary = "docker"
	}
	return &ContainerAdapter{desc: desc, docker: docker, image: image, args: args, parse: parse, runner: runner}
}

func (a *ContainerAdapter) Descriptor() model.ToolDescriptor {
	return a.desc
}

func (a *ContainerAdapter) Execute(ctx context.Context, target string, opts Options) model.ToolOutcome {
	out := begin(a.desc.Name)
	args, err := a.args(target, opts)
	if err != nil {
		return fail(ctx, out, err)
	}
	name := fmt.Sprintf("loom-%s-%s", a.desc.Name, uuid.NewString()[:8])
	dockerArgs := a.runArgs(name, args)

	out = runAndParse(ctx, out, a.runner, a.parse, target, a.docker.Binary, dockerArgs...)
	if ctx.Err() != nil {
		go a.remove(name)
	}
	return out
}

func (a *ContainerAdapter) runArgs(name string, args []string) []string {
	dockerArgs := []string{"run", "--rm", "--name", name}
	if a.docker.Network != "" {
		dockerArgs = append(dockerArgs, "--network="+a.docker.Network)
	}
	dockerArgs = append(dockerArgs, a.image)
	return append(dockerArgs, args...)
}

// remove force-removes a container whose docker CLI was killed; killing the
// client does not stop the container itself.
func (a *ContainerAdapter) remove(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_, _ = a.runner.Run(ctx, a.docker.Binary, "rm", "-f", name)
}

func runAndParse(ctx context.Context, out model.ToolOutcome, runner Runner, parse ParseFunc, target, name string, args ...string) model.ToolOutcome {
	res, err := runner.Run(ctx, name, args...)
	if err != nil {
		return fail(ctx, out, fmt.Errorf("%s: %w", out.ToolName, err))
	}
	stdout := string(res.Stdout)
	records, err := parse(target, stdout)
	if err != nil {
		return fail(ctx, out, fmt.Errorf("parse %s output: %w", out.ToolName, err))
	}
	return succeed(out, stdout, records)
}
