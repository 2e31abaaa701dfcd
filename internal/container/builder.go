// Package container builds, tags and pushes container images through the
// docker or podman CLI.
package container

import "context"

// Builder turns a build context into an image and pushes image references.
type Builder interface {
	Build(ctx context.Context, opts BuildOptions) (*BuildResult, error)
	Push(ctx context.Context, image string) error
	Available() bool
	Name() string
}

// BuildOptions describes one image build. Empty fields fall back to the
// CLI's defaults, except ContextDir which defaults to ".".
type BuildOptions struct {
	ContextDir string
	Dockerfile string
	Tag        string
	Platform   string
	BuildArgs  map[string]string
	Labels     map[string]string
}

// BuildResult is a finished build. ImageID is empty when the CLI output did
// not name the image.
type BuildResult struct {
	ImageID string
	Tag     string
	Output  string
}

// Ref returns the image id when known, otherwise the tag.
func (r *BuildResult) Ref() string {
	if r.ImageID != "" {
		return r.ImageID
	}
	return r.Tag
}

// builders lists the supported CLIs in detection order.
var builders = []string{"docker", "podman"}

// Detect returns the first supported CLI that answers "info", or nil.
func Detect() Builder {
	for _, name := range builders {
		if b := Get(name); b.Available() {
			return b
		}
	}
	return nil
}

// Get returns the CLI builder called name, or nil for an unsupported name.
func Get(name string) Builder {
	switch name {
	case "docker":
		return NewDocker()
	case "podman":
		return NewPodman()
	}
	return nil
}
