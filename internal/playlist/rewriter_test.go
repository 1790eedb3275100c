package playlist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"m3u8-proxy-go/internal/cache"
	"m3u8-proxy-go/internal/config"
	"m3u8-proxy-go/internal/model"
	"m3u8-proxy-go/internal/proxyurl"
)

// fakeFetcher serves playlists from a map and counts calls per URL.
type fakeFetcher struct {
	mu     sync.Mutex
	bodies map[string]string
	calls  map[string]int
}

func newFakeFetcher(bodies map[string]string) *fakeFetcher {
	return &fakeFetcher{bodies: bodies, calls: map[string]int{}}
}

func (f *fakeFetcher) Fetch(_ context.Context, targetURL string, _ http.Header) (*model.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[targetURL]++
	body, ok := f.bodies[targetURL]
	if !ok {
		return nil, fmt.Errorf("upstream %s returned 404", targetURL)
	}
	return &model.FetchResult{
		StatusCode:  http.StatusOK,
		ContentType: "application/vnd.apple.mpegurl",
		IsText:      true,
		Body:        []byte(body),
		Text:        body,
	}, nil
}

func (f *fakeFetcher) count(u string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[u]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRewriter(f Fetcher, store cache.Store, maxDepth int) *Rewriter {
	cfg := &config.Config{Proxy: config.ProxyConfig{CacheTTL: 60, MaxRecursion: maxDepth}}
	return NewRewriter(cfg, f, store, discardLogger(), nil)
}

func process(t *testing.T, r *Rewriter, target, content string) (string, error) {
	t.Helper()
	return r.Process(context.Background(), target, content, 0, NewContext(target, nil, discardLogger()))
}

func TestProcess_MediaPlaylist(t *testing.T) {
	r := newTestRewriter(newFakeFetcher(nil), nil, 5)

	got, err := process(t, r, "https://cdn.example/path/index.m3u8", "#EXTM3U\n#EXTINF:10,\nsegment1.ts\n")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	want := "#EXTM3U\n#EXTINF:10,\n/proxy/https%3A%2F%2Fcdn.example%2Fpath%2Fsegment1.ts\n"
	if got != want {
		t.Errorf("Process() =\n%q\nwant\n%q", got, want)
	}
}

func TestProcess_LineEndings(t *testing.T) {
	r := newTestRewriter(newFakeFetcher(nil), nil, 5)
	const base = "https://cdn.example/live/index.m3u8"

	tests := []struct {
		name    string
		input   string
		want    string
		notWant string
	}{
		{
			name:  "LF",
			input: "#EXTM3U\n#EXTINF:4,\na.ts\n#EXTINF:4,\nb.ts\n",
			want:  "\n",
		},
		{
			name:  "CRLF",
			input: "#EXTM3U\r\n#EXTINF:4,\r\na.ts\r\n#EXTINF:4,\r\nb.ts\r\n",
			want:  "\r\n",
		},
		{
			name:  "mixed uses CRLF",
			input: "#EXTM3U\r\n#EXTINF:4,\na.ts\n\n\r\nb.ts",
			want:  "\r\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := process(t, r, base, tt.input)
			if err != nil {
				t.Fatalf("Process() error = %v", err)
			}
			lines := strings.SplitAfter(got, "\n")
			lines = lines[:len(lines)-1] // trailing empty element
			for _, l := range lines {
				if !strings.HasSuffix(l, tt.want) {
					t.Errorf("line %q does not end with %q", l, tt.want)
				}
				if tt.want == "\n" && strings.HasSuffix(l, "\r\n") {
					t.Errorf("LF input produced CRLF line %q", l)
				}
				if strings.TrimSpace(l) == "" {
					t.Errorf("blank line kept in output %q", got)
				}
			}
		})
	}
}

func TestProcess_EveryURILineIsProxied(t *testing.T) {
	r := newTestRewriter(newFakeFetcher(nil), nil, 5)
	const base = "https://cdn.example/a/b/index.m3u8?token=abc"
	input := strings.Join([]string{
		"#EXTM3U",
		"#EXT-X-TARGETDURATION:6",
		"#EXT-X-MEDIA-SEQUENCE:100",
		"#EXTINF:6,",
		"seg-100.ts?x=1&y=2",
		"#EXTINF:6,",
		"../other/seg-101.ts",
		"#EXTINF:6,",
		"/root/seg-102.ts",
		"#EXTINF:6,",
		"https://other.example/seg 103.ts",
		"#EXT-X-ENDLIST",
	}, "\n")

	got, err := process(t, r, base, input)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	wantTargets := []string{
		"https://cdn.example/a/b/seg-100.ts?x=1&y=2",
		"https://cdn.example/a/other/seg-101.ts",
		"https://cdn.example/root/seg-102.ts",
		"https://other.example/seg 103.ts",
	}
	var targets []string
	for _, line := range strings.Split(strings.TrimSpace(got), "\n") {
		if strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.HasPrefix(line, proxyurl.Prefix) {
			t.Fatalf("URI line %q is not proxied", line)
		}
		u, err := url.Parse(line)
		if err != nil {
			t.Fatalf("proxied line %q does not parse: %v", line, err)
		}
		target := proxyurl.TargetFromPath(u.EscapedPath())
		if !proxyurl.IsHTTPOrHTTPS(target) {
			t.Errorf("decoded target %q is not an absolute http(s) URL", target)
		}
		targets = append(targets, target)
	}
	if strings.Join(targets, "|") != strings.Join(wantTargets, "|") {
		t.Errorf("targets = %v, want %v", targets, wantTargets)
	}
	if !strings.Contains(got, "#EXT-X-MEDIA-SEQUENCE:100\n") {
		t.Error("tags must pass through unchanged")
	}
}

func TestProcess_KeyAndMapAttributes(t *testing.T) {
	r := newTestRewriter(newFakeFetcher(nil), nil, 5)
	const base = "https://cdn.example/v/index.m3u8"
	input := strings.Join([]string{
		"#EXTM3U",
		`#EXT-X-MAP:URI="init.mp4",BYTERANGE="720@0"`,
		`#EXT-X-KEY:METHOD=AES-128,URI="keys/k1.bin",IV=0x1234`,
		`#EXT-X-KEY:METHOD=SAMPLE-AES,URI="data:text/plain;base64,AAAA",KEYFORMAT="identity"`,
		`#EXT-X-KEY:METHOD=AES-128,URI="k.bin",X-FALLBACK-URI="https://backup.example/k.bin",X-LOCAL-URI="local.bin"`,
		"#EXTINF:4,",
		"seg.m4s",
	}, "\n")

	got, err := process(t, r, base, input)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	for _, want := range []string{
		`#EXT-X-MAP:URI="/proxy/https%3A%2F%2Fcdn.example%2Fv%2Finit.mp4",BYTERANGE="720@0"`,
		`#EXT-X-KEY:METHOD=AES-128,URI="/proxy/https%3A%2F%2Fcdn.example%2Fv%2Fkeys%2Fk1.bin",IV=0x1234`,
		`URI="data:text/plain;base64,AAAA"`,
		`X-FALLBACK-URI="/proxy/https%3A%2F%2Fbackup.example%2Fk.bin"`,
		`X-LOCAL-URI="local.bin"`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q\n%s", want, got)
		}
	}
}

func TestProcess_MasterResolvesVariant(t *testing.T) {
	const (
		masterURL  = "https://cdn.example/show/master.m3u8"
		variantURL = "https://cdn.example/show/720p/index.m3u8"
	)
	f := newFakeFetcher(map[string]string{
		variantURL: "#EXTM3U\n#EXTINF:6,\nseg0.ts\n",
	})
	store := cache.NewLRU(16, time.Hour)
	r := newTestRewriter(f, store, 5)

	master := "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=2000000,RESOLUTION=1280x720\n720p/index.m3u8\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=800000\n360p/index.m3u8\n"
	got, err := process(t, r, masterURL, master)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	want := "#EXTM3U\n#EXTINF:6,\n/proxy/https%3A%2F%2Fcdn.example%2Fshow%2F720p%2Fseg0.ts\n"
	if got != want {
		t.Errorf("Process() = %q, want %q", got, want)
	}

	ctx := context.Background()
	if v, ok, _ := store.Get(ctx, cache.PlaylistKey(variantURL)); !ok || v != want {
		t.Errorf("playlist cache under variant = %q, %v; want rewritten media", v, ok)
	}
	if _, ok, _ := store.Get(ctx, cache.PlaylistKey(masterURL)); ok {
		t.Error("master URL must not be cached")
	}

	// A second master pointing at the same variant is served from cache.
	if _, err := process(t, r, masterURL, master); err != nil {
		t.Fatal(err)
	}
	if n := f.count(variantURL); n != 1 {
		t.Errorf("variant fetched %d times, want 1", n)
	}
}

func TestProcess_MasterPrefersMediaURI(t *testing.T) {
	const audioURL = "https://cdn.example/audio/en.m3u8"
	f := newFakeFetcher(map[string]string{
		audioURL: "#EXTM3U\n#EXTINF:6,\na0.aac\n",
	})
	r := newTestRewriter(f, nil, 5)

	master := "#EXTM3U\n" +
		`#EXT-X-MEDIA:TYPE=CLOSED-CAPTIONS,GROUP-ID="cc",NAME="CC",INSTREAM-ID="CC1"` + "\n" +
		`#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aud",NAME="English",URI="audio/en.m3u8"` + "\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=1000,AUDIO=\"aud\"\nvideo/index.m3u8\n"

	got, err := process(t, r, "https://cdn.example/master.m3u8", master)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if !strings.Contains(got, proxyurl.Path("https://cdn.example/audio/a0.aac")) {
		t.Errorf("expected EXT-X-MEDIA rendition to be chosen, got %q", got)
	}
}

func TestProcess_MasterWithoutVariantFallsBackToMedia(t *testing.T) {
	r := newTestRewriter(newFakeFetcher(nil), nil, 5)
	input := "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1000\n#EXT-X-ENDLIST\n"

	got, err := process(t, r, "https://cdn.example/m.m3u8", input)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if got != input {
		t.Errorf("Process() = %q, want tags passed through %q", got, input)
	}
}

func TestProcess_RecursionLimit(t *testing.T) {
	const maxDepth = 3
	// A chain of maxDepth+1 nested masters before the media playlist.
	bodies := map[string]string{}
	for i := 1; i <= maxDepth+1; i++ {
		bodies[fmt.Sprintf("https://cdn.example/m%d.m3u8", i)] =
			fmt.Sprintf("#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1\nm%d.m3u8\n", i+1)
	}
	bodies[fmt.Sprintf("https://cdn.example/m%d.m3u8", maxDepth+2)] = "#EXTM3U\n#EXTINF:1,\ns.ts\n"

	r := newTestRewriter(newFakeFetcher(bodies), nil, maxDepth)
	_, err := process(t, r, "https://cdn.example/m0.m3u8", "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1\nm1.m3u8\n")

	var rle *RecursionLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("Process() error = %v, want *RecursionLimitError", err)
	}
	if rle.Max != maxDepth || rle.Depth != maxDepth+1 {
		t.Errorf("RecursionLimitError = %+v", rle)
	}
}

func TestProcess_NestingWithinLimit(t *testing.T) {
	const maxDepth = 3
	bodies := map[string]string{}
	for i := 1; i < maxDepth; i++ {
		bodies[fmt.Sprintf("https://cdn.example/m%d.m3u8", i)] =
			fmt.Sprintf("#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1\nm%d.m3u8\n", i+1)
	}
	bodies[fmt.Sprintf("https://cdn.example/m%d.m3u8", maxDepth)] = "#EXTM3U\n#EXTINF:1,\ns.ts\n"

	r := newTestRewriter(newFakeFetcher(bodies), nil, maxDepth)
	got, err := process(t, r, "https://cdn.example/m0.m3u8", "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1\nm1.m3u8\n")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if !strings.Contains(got, proxyurl.Path("https://cdn.example/s.ts")) {
		t.Errorf("Process() = %q", got)
	}
}

func TestProcess_CyclicMasterTerminates(t *testing.T) {
	const self = "https://cdn.example/loop.m3u8"
	body := "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1\nloop.m3u8\n"
	f := newFakeFetcher(map[string]string{self: body})
	r := newTestRewriter(f, nil, 5)

	_, err := process(t, r, self, body)
	var rle *RecursionLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("Process() error = %v, want *RecursionLimitError", err)
	}
	if n := f.count(self); n != 6 {
		t.Errorf("fetches = %d, want 6 before the limit trips", n)
	}
}

func TestProcess_VariantFetchError(t *testing.T) {
	r := newTestRewriter(newFakeFetcher(nil), nil, 5)
	_, err := process(t, r, "https://cdn.example/master.m3u8", "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1\nmissing.m3u8\n")
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("Process() error = %v, want wrapped upstream failure", err)
	}
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("backend down")
}

func (failingStore) Put(context.Context, string, string, time.Duration) error {
	return errors.New("backend down")
}

func TestProcess_CacheFailureIsIgnored(t *testing.T) {
	const variantURL = "https://cdn.example/v.m3u8"
	f := newFakeFetcher(map[string]string{variantURL: "#EXTM3U\n#EXTINF:1,\ns.ts\n"})
	r := newTestRewriter(f, failingStore{}, 5)

	got, err := process(t, r, "https://cdn.example/master.m3u8", "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1\nv.m3u8\n")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if !strings.Contains(got, proxyurl.Path("https://cdn.example/s.ts")) {
		t.Errorf("Process() = %q", got)
	}
}

func TestProcess_ResolverMemoizes(t *testing.T) {
	r := newTestRewriter(newFakeFetcher(nil), nil, 5)
	const base = "https://cdn.example/index.m3u8"
	rc := NewContext(base, nil, discardLogger())

	input := "#EXTM3U\n#EXTINF:1,\nsame.ts\n#EXTINF:1,\nsame.ts\n#EXTINF:1,\nother.ts\n"
	if _, err := r.Process(context.Background(), base, input, 0, rc); err != nil {
		t.Fatal(err)
	}
	if n := rc.resolver.Len(); n != 2 {
		t.Errorf("resolver memo size = %d, want 2", n)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		wantKind    string
		wantVariant string
	}{
		{"media", "#EXTM3U\n#EXT-X-MEDIA-SEQUENCE:1\n#EXTINF:1,\na.ts\n", "media", ""},
		{"stream inf", "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1\n\n  hi/index.m3u8  \n", "master", "hi/index.m3u8"},
		{"stream inf CRLF", "#EXTM3U\r\n#EXT-X-STREAM-INF:BANDWIDTH=1\r\nhi.m3u8\r\n", "master", "hi.m3u8"},
		{"media uri", "#EXTM3U\n#EXT-X-MEDIA:TYPE=AUDIO,URI=\"a.m3u8\"\n#EXT-X-STREAM-INF:BANDWIDTH=1\nv.m3u8\n", "master", "a.m3u8"},
		{"no variant", "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1\n", "media", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Classify(tt.content)
			if p.Kind() != tt.wantKind {
				t.Fatalf("Kind() = %q, want %q", p.Kind(), tt.wantKind)
			}
			if m, ok := p.(Master); ok && m.VariantURI != tt.wantVariant {
				t.Errorf("VariantURI = %q, want %q", m.VariantURI, tt.wantVariant)
			}
		})
	}
}
