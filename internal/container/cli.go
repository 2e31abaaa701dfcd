package container

import (
	"bytes"
	"cmp"
	"context"
	"io"
	"maps"
	"os/exec"
	"regexp"
	"slices"
	"strings"
)

// runFunc executes a container CLI and returns its stdout and stderr.
type runFunc func(ctx context.Context, stdin io.Reader, name string, args ...string) (string, string, error)

func execRun(ctx context.Context, stdin io.Reader, name string, args ...string) (string, string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = stdin, &stdout, &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// CLI drives a docker-compatible command line tool.
type CLI struct {
	binary string
	run    runFunc
}

// NewDocker returns a builder that uses the docker CLI.
func NewDocker() *CLI { return &CLI{binary: "docker", run: execRun} }

// NewPodman returns a builder that uses the podman CLI.
func NewPodman() *CLI { return &CLI{binary: "podman", run: execRun} }

func (b *CLI) Name() string { return b.binary }

func (b *CLI) Available() bool {
	_, err := b.invoke(context.Background(), nil, "info")
	return err == nil
}

func (b *CLI) Build(ctx context.Context, opts BuildOptions) (*BuildResult, error) {
	stdout, stderr, err := b.run(ctx, nil, b.binary, buildCommand(opts)...)
	if err != nil {
		return nil, classify(b.binary+" build", stderr, err)
	}
	out := strings.TrimSpace(stdout + "\n" + stderr)
	return &BuildResult{ImageID: parseImageID(out), Tag: opts.Tag, Output: out}, nil
}

func (b *CLI) Push(ctx context.Context, image string) error {
	_, err := b.invoke(ctx, nil, "push", image)
	return err
}

// Tag points target at source.
func (b *CLI) Tag(ctx context.Context, source, target string) error {
	_, err := b.invoke(ctx, nil, "tag", source, target)
	return err
}

// Login authenticates against server, passing the password on stdin.
func (b *CLI) Login(ctx context.Context, server, username, password string) error {
	args := []string{"login", "--username", username, "--password-stdin"}
	if server != "" {
		args = append(args, server)
	}
	_, err := b.invoke(ctx, strings.NewReader(password), args...)
	return err
}

// invoke runs one subcommand and classifies its failure.
func (b *CLI) invoke(ctx context.Context, stdin io.Reader, args ...string) (string, error) {
	stdout, stderr, err := b.run(ctx, stdin, b.binary, args...)
	if err != nil {
		return "", classify(b.binary+" "+args[0], stderr, err)
	}
	return stdout, nil
}

// buildCommand renders opts as "build" arguments. Map options are emitted in
// key order so equal options give equal command lines.
func buildCommand(opts BuildOptions) []string {
	args := []string{"build"}
	flag := func(name, value string) {
		if value != "" {
			args = append(args, name, value)
		}
	}
	flag("-t", opts.Tag)
	flag("-f", opts.Dockerfile)
	flag("--platform", opts.Platform)
	for _, k := range slices.Sorted(maps.Keys(opts.BuildArgs)) {
		args = append(args, "--build-arg", k+"="+opts.BuildArgs[k])
	}
	for _, k := range slices.Sorted(maps.Keys(opts.Labels)) {
		args = append(args, "--label", k+"="+opts.Labels[k])
	}
	return append(args, cmp.Or(opts.ContextDir, "."))
}

var imageIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^Successfully built ([0-9a-f]{12,64})$`),   // legacy docker builder
	regexp.MustCompile(`writing image (sha256:[0-9a-f]{12,64})\b`), // buildkit
	regexp.MustCompile(`^(sha256:[0-9a-f]{12,64})$`),               // docker build -q
	regexp.MustCompile(`^([0-9a-f]{12,64})$`),                      // podman ends with the bare id
}

// parseImageID returns the image id named closest to the end of the build
// output, or "" when there is none.
func parseImageID(output string) string {
	lines := strings.Split(output, "\n")
	for _, line := range slices.Backward(lines) {
		line = strings.TrimSpace(line)
		for _, re := range imageIDPatterns {
			if m := re.FindStringSubmatch(line); m != nil {
				return m[1]
			}
		}
	}
	return ""
}
