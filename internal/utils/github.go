package utils

import (
	"fmt"
	"net/url"
	"strings"
)

type GitHubRepoInfo struct {
	Owner  string
	Repo   string
	Branch string
	// Path is the build context directory inside the repository.
	Path string
}

// ParseGitHubURL parses https or ssh GitHub URLs. An "@ref" suffix on the
// repository selects the branch or tag and a "#path" fragment selects a
// subdirectory.
func ParseGitHubURL(rawURL string) (*GitHubRepoInfo, error) {
	rawURL, contextPath, _ := strings.Cut(rawURL, "#")
	contextPath = strings.Trim(contextPath, "/")

	if strings.HasPrefix(rawURL, "git@github.com:") {
		path := strings.TrimPrefix(rawURL, "git@github.com:")
		repoPath, ref := splitRef(path)
		parts := strings.Split(repoPath, "/")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid GitHub SSH URL: %s", rawURL)
		}
		return &GitHubRepoInfo{
			Owner:  parts[0],
			Repo:   parts[1],
			Branch: ref,
			Path:   contextPath,
		}, nil
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	if parsed.Host != "github.com" {
		return nil, fmt.Errorf("not a GitHub URL: %s", rawURL)
	}

	repoPath, ref := splitRef(strings.Trim(parsed.Path, "/"))
	parts := strings.Split(repoPath, "/")

	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("invalid GitHub URL path: %s", rawURL)
	}

	return &GitHubRepoInfo{
		Owner:  parts[0],
		Repo:   parts[1],
		Branch: ref,
		Path:   contextPath,
	}, nil
}

func splitRef(path string) (string, string) {
	ref := "main"
	if i := strings.LastIndex(path, "@"); i >= 0 {
		if r := path[i+1:]; r != "" {
			ref = r
		}
		path = path[:i]
	}
	return strings.TrimSuffix(path, ".git"), ref
}

func (info *GitHubRepoInfo) GetGitHubRepoURL() string {
	return fmt.Sprintf("https://github.com/%s/%s", info.Owner, info.Repo)
}

// BuildContextURL returns the remote build context understood by docker build.
func (info *GitHubRepoInfo) BuildContextURL() string {
	out := info.GetGitHubRepoURL() + ".git#" + info.Branch
	if info.Path != "" {
		out += ":" + info.Path
	}
	return out
}
