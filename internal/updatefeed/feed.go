// Package updatefeed watches the firmware release feed for versions
// newer than the one installed. It reports availability; acting on it
// (rebooting into the updater) is the lifecycle core's business.
package updatefeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v69/github"
)

// RateLimitError reports an exhausted GitHub API quota. Callers can
// retry after ResetAt.
type RateLimitError struct {
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("updatefeed: github rate limit exhausted until %s", e.ResetAt.Format(time.RFC3339))
}

// Release describes the newest published firmware.
type Release struct {
	// Version is the release tag with any leading "v" stripped.
	Version string
	Tag     string
	// Asset names the first .bin artifact attached to the release, if
	// any.
	Asset string
	URL   string
}

// Feed reads releases from a GitHub repository.
type Feed struct {
	client *gogithub.Client
	owner  string
	repo   string
	logger *slog.Logger
}

// New creates a feed for repo given as "owner/name". An empty token
// uses unauthenticated access and its lower rate limits.
func New(repo, token string, logger *slog.Logger) (*Feed, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	client := gogithub.NewClient(nil)
	if token != "" {
		client = client.WithAuthToken(token)
	}
	return newFeed(client, owner, name, logger), nil
}

// NewWithClient creates a feed with a caller-supplied client. Used by
// tests to point at a stub API server.
func NewWithClient(client *gogithub.Client, owner, name string, logger *slog.Logger) *Feed {
	return newFeed(client, owner, name, logger)
}

func newFeed(client *gogithub.Client, owner, name string, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{client: client, owner: owner, repo: name, logger: logger}
}

// splitRepo parses "owner/name".
func splitRepo(repo string) (owner, name string, err error) {
	parts := strings.Split(repo, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("updatefeed: repo must be owner/name, got %q", repo)
	}
	return parts[0], parts[1], nil
}

// Latest returns the newest published release.
func (f *Feed) Latest(ctx context.Context) (*Release, error) {
	rel, resp, err := f.client.Repositories.GetLatestRelease(ctx, f.owner, f.repo)
	if err != nil {
		var rle *gogithub.RateLimitError
		if errors.As(err, &rle) {
			return nil, &RateLimitError{ResetAt: rle.Rate.Reset.Time}
		}
		return nil, fmt.Errorf("updatefeed: latest release: %w", err)
	}
	f.checkRateLimit(resp)
	return convertRelease(rel), nil
}

// Available reports whether the feed carries a version newer than
// installed, and returns that release when it does.
func (f *Feed) Available(ctx context.Context, installed string) (bool, *Release, error) {
	latest, err := f.Latest(ctx)
	if err != nil {
		return false, nil, err
	}
	if compareVersions(latest.Version, installed) > 0 {
		return true, latest, nil
	}
	return false, nil, nil
}

// checkRateLimit warns when the API quota is nearly exhausted.
func (f *Feed) checkRateLimit(resp *gogithub.Response) {
	if resp != nil && resp.Rate.Remaining < 100 {
		f.logger.Warn("updatefeed: github rate limit low",
			"remaining", resp.Rate.Remaining,
			"reset", resp.Rate.Reset.Time)
	}
}

func convertRelease(rel *gogithub.RepositoryRelease) *Release {
	r := &Release{
		Version: strings.TrimPrefix(rel.GetTagName(), "v"),
		Tag:     rel.GetTagName(),
		URL:     rel.GetHTMLURL(),
	}
	for _, a := range rel.Assets {
		if strings.HasSuffix(a.GetName(), ".bin") {
			r.Asset = a.GetName()
			break
		}
	}
	return r
}

// compareVersions orders two dotted version strings. Numeric segments
// compare numerically, missing segments read as zero, and segments
// that are not numbers fall back to string comparison.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		av, bv := "0", "0"
		if i < len(as) && as[i] != "" {
			av = as[i]
		}
		if i < len(bs) && bs[i] != "" {
			bv = bs[i]
		}
		ai, aerr := strconv.Atoi(av)
		bi, berr := strconv.Atoi(bv)
		if aerr != nil || berr != nil {
			if c := strings.Compare(av, bv); c != 0 {
				return c
			}
			continue
		}
		if ai != bi {
			if ai > bi {
				return 1
			}
			return -1
		}
	}
	return 0
}
