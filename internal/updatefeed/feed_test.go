package updatefeed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	gogithub "github.com/google/go-github/v69/github"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubFeed points a feed at a local stub of the releases API.
func stubFeed(t *testing.T, handler http.HandlerFunc) *Feed {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	client := gogithub.NewClient(nil)
	base, err := url.Parse(ts.URL + "/")
	if err != nil {
		t.Fatalf("parse stub url: %v", err)
	}
	client.BaseURL = base
	return NewWithClient(client, "outletlabs", "hkplug-firmware", testLogger())
}

func releaseJSON(tag string) string {
	return fmt.Sprintf(`{
		"tag_name": %q,
		"html_url": "https://example.com/releases/%s",
		"assets": [
			{"name": "notes.txt"},
			{"name": "hkplug-%s.bin"}
		]
	}`, tag, tag, tag)
}

func TestLatest(t *testing.T) {
	feed := stubFeed(t, func(w http.ResponseWriter, r *http.Request) {
		want := "/repos/outletlabs/hkplug-firmware/releases/latest"
		if r.URL.Path != want {
			t.Errorf("request path = %q, want %q", r.URL.Path, want)
		}
		fmt.Fprint(w, releaseJSON("v1.4.0"))
	})

	rel, err := feed.Latest(context.Background())
	if err != nil {
		t.Fatalf("Latest() error: %v", err)
	}
	if rel.Version != "1.4.0" {
		t.Errorf("Version = %q, want %q", rel.Version, "1.4.0")
	}
	if rel.Tag != "v1.4.0" {
		t.Errorf("Tag = %q, want %q", rel.Tag, "v1.4.0")
	}
	if rel.Asset != "hkplug-v1.4.0.bin" {
		t.Errorf("Asset = %q, want %q", rel.Asset, "hkplug-v1.4.0.bin")
	}
}

func TestLatest_ServerError(t *testing.T) {
	feed := stubFeed(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message": "boom"}`, http.StatusInternalServerError)
	})

	if _, err := feed.Latest(context.Background()); err == nil {
		t.Fatal("Latest() with failing API should error")
	}
}

func TestLatest_RateLimited(t *testing.T) {
	reset := time.Now().Add(30 * time.Minute).Truncate(time.Second)
	feed := stubFeed(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Limit", "60")
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
		http.Error(w, `{"message": "API rate limit exceeded"}`, http.StatusForbidden)
	})

	_, err := feed.Latest(context.Background())
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("Latest() error = %v, want *RateLimitError", err)
	}
	if !rle.ResetAt.Equal(reset) {
		t.Errorf("ResetAt = %v, want %v", rle.ResetAt, reset)
	}
}

func TestAvailable_NewerRelease(t *testing.T) {
	feed := stubFeed(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, releaseJSON("v1.4.0"))
	})

	ok, rel, err := feed.Available(context.Background(), "1.3.2")
	if err != nil {
		t.Fatalf("Available() error: %v", err)
	}
	if !ok {
		t.Fatal("Available() = false for newer release, want true")
	}
	if rel.Version != "1.4.0" {
		t.Errorf("release version = %q, want %q", rel.Version, "1.4.0")
	}
}

func TestAvailable_SameOrOlder(t *testing.T) {
	feed := stubFeed(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, releaseJSON("v1.4.0"))
	})

	for _, installed := range []string{"1.4.0", "1.5.0"} {
		ok, rel, err := feed.Available(context.Background(), installed)
		if err != nil {
			t.Fatalf("Available(%q) error: %v", installed, err)
		}
		if ok {
			t.Errorf("Available(%q) = true, want false", installed)
		}
		if rel != nil {
			t.Errorf("Available(%q) returned release %+v, want nil", installed, rel)
		}
	}
}

func TestNew_ValidatesRepo(t *testing.T) {
	for _, repo := range []string{"", "noslash", "a/b/c", "/name", "owner/"} {
		if _, err := New(repo, "", testLogger()); err == nil {
			t.Errorf("New(%q) should error", repo)
		}
	}
	if _, err := New("outletlabs/hkplug-firmware", "", testLogger()); err != nil {
		t.Errorf("New() with valid repo error: %v", err)
	}
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.4.0", "1.3.2", 1},
		{"1.3.2", "1.4.0", -1},
		{"1.4.0", "1.4.0", 0},
		{"1.4", "1.4.0", 0},
		{"1.10.0", "1.9.0", 1},
		{"2.0.0", "1.99.99", 1},
		{"1.0.0-rc1", "1.0.0-rc2", -1},
	}
	for _, tt := range tests {
		if got := compareVersions(tt.a, tt.b); got != tt.want {
			t.Errorf("compareVersions(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}
