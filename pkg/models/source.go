package models

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/agentregistry-dev/agentplane/internal/utils"
)

// SourceKind identifies where a provider comes from.
type SourceKind string

const (
	SourceKindImage   SourceKind = "image"
	SourceKindGitHub  SourceKind = "github"
	SourceKindNetwork SourceKind = "network"
)

const (
	imageScheme  = "docker://"
	githubScheme = "git+"
)

// Source is the closed set of provider origins. Image and GitHub sources are
// managed (the plane owns the container lifecycle); network sources are not.
type Source interface {
	Kind() SourceKind
	// String returns the canonical location. Provider ids are derived from it.
	String() string
	Managed() bool

	isSource()
}

// ImageSource is a prebuilt container image in a registry.
type ImageSource struct {
	Ref string
}

func (ImageSource) Kind() SourceKind { return SourceKindImage }
func (s ImageSource) String() string { return imageScheme + s.Ref }
func (ImageSource) Managed() bool    { return true }
func (ImageSource) isSource()        {}

// GitHubSource is a Dockerfile build context hosted on GitHub.
type GitHubSource struct {
	Repo utils.GitHubRepoInfo
}

func (GitHubSource) Kind() SourceKind { return SourceKindGitHub }
func (GitHubSource) Managed() bool    { return true }
func (GitHubSource) isSource()        {}

func (s GitHubSource) String() string {
	out := githubScheme + s.Repo.GetGitHubRepoURL() + "@" + s.Repo.Branch
	if s.Repo.Path != "" {
		out += "#" + s.Repo.Path
	}
	return out
}

// NetworkSource is an externally operated endpoint that registered itself.
type NetworkSource struct {
	URL string
}

func (NetworkSource) Kind() SourceKind { return SourceKindNetwork }
func (s NetworkSource) String() string { return s.URL }
func (NetworkSource) Managed() bool    { return false }
func (NetworkSource) isSource()        {}

// ParseSource parses a provider location:
//
//	docker://registry/echo:v1
//	git+https://github.com/owner/repo[@ref][#path]
//	http://host.docker.internal:9000
func ParseSource(location string) (Source, error) {
	location = strings.TrimSpace(location)
	switch {
	case strings.HasPrefix(location, imageScheme):
		ref := strings.TrimPrefix(location, imageScheme)
		if ref == "" || strings.ContainsAny(ref, " \t") {
			return nil, fmt.Errorf("invalid image location %q", location)
		}
		return ImageSource{Ref: ref}, nil
	case strings.HasPrefix(location, githubScheme):
		info, err := utils.ParseGitHubURL(strings.TrimPrefix(location, githubScheme))
		if err != nil {
			return nil, fmt.Errorf("invalid git location %q: %w", location, err)
		}
		return GitHubSource{Repo: *info}, nil
	case strings.HasPrefix(location, "http://"), strings.HasPrefix(location, "https://"):
		u, err := url.Parse(location)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid network location %q", location)
		}
		u.Path = strings.TrimSuffix(u.Path, "/")
		u.RawQuery = ""
		u.Fragment = ""
		return NetworkSource{URL: u.String()}, nil
	default:
		return nil, fmt.Errorf("unsupported provider location %q", location)
	}
}
