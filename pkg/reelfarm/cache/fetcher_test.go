package cache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/jamesainslie/reelfarm/pkg/reelfarm/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ok.mp4" {
			_, _ = w.Write([]byte("payload"))
			return
		}
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(0)
	rc, err := f.Fetch(context.Background(), srv.URL+"/ok.mp4")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "payload", string(data))

	_, err = f.Fetch(context.Background(), srv.URL+"/missing.mp4")
	var fe *types.FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, http.StatusNotFound, fe.StatusCode)
	assert.ErrorIs(t, err, types.ErrCacheFetch)
}

func TestFileFetcher(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "in.wav")
	require.NoError(t, os.WriteFile(p, []byte("riff"), 0o644))

	for _, loc := range []string{p, "file://" + p} {
		rc, err := FileFetcher{}.Fetch(context.Background(), loc)
		require.NoError(t, err, loc)
		data, _ := io.ReadAll(rc)
		rc.Close()
		assert.Equal(t, "riff", string(data))
	}

	_, err := FileFetcher{}.Fetch(context.Background(), "relative/in.wav")
	assert.ErrorIs(t, err, types.ErrCacheFetch)
	_, err = FileFetcher{}.Fetch(context.Background(), filepath.Join(dir, "nope"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestMultiFetcherRoutesByScheme(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "x.png")
	require.NoError(t, os.WriteFile(p, []byte("png"), 0o644))

	m := DefaultFetcher(0)
	rc, err := m.Fetch(context.Background(), p)
	require.NoError(t, err)
	rc.Close()

	_, err = m.Fetch(context.Background(), "gopher://host/x.png")
	assert.ErrorIs(t, err, types.ErrCacheFetch)
	assert.Contains(t, err.Error(), "unsupported scheme")
}

func TestExtOf(t *testing.T) {
	tests := map[string]string{
		"https://cdn/a/b/clip.MP4?sig=abc": ".mp4",
		"/media/voice.wav":                 ".wav",
		"https://cdn/noext":                "",
		"https://cdn/weird.reallylongext":  "",
		"file:///tmp/frame.png":            ".png",
	}
	for in, want := range tests {
		assert.Equal(t, want, extOf(in), in)
	}
}

func TestKeys(t *testing.T) {
	key := MakeKey("abc")
	version, fp := ParseKey(key)
	assert.Equal(t, "v1", version)
	assert.Equal(t, "abc", fp)
	assert.Len(t, Fingerprint("https://cdn/x"), 64)
	assert.NotEqual(t, Fingerprint("a"), Fingerprint("b"))
}

func TestProbeValidator(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.mp4")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	audio := filepath.Join(dir, "a.wav")
	require.NoError(t, os.WriteFile(audio, []byte("not really audio"), 0o644))
	video := filepath.Join(dir, "v.mp4")
	require.NoError(t, os.WriteFile(video, []byte("not really video"), 0o644))

	v := ProbeValidator{FFmpeg: "reelfarm-no-such-ffmpeg"}
	assert.Error(t, v.Validate(context.Background(), empty))
	assert.NoError(t, v.Validate(context.Background(), audio), "non-video is size-checked only")
	assert.NoError(t, v.Validate(context.Background(), video), "missing ffmpeg skips the probe")
	assert.Error(t, v.Validate(context.Background(), filepath.Join(dir, "absent.mp4")))
}

func TestProbeValidatorWithFFmpeg(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping ffmpeg probe in short mode")
	}
	bin, err := exec.LookPath("ffmpeg")
	if err != nil {
		t.Skip("ffmpeg not installed")
	}
	dir := t.TempDir()
	video := filepath.Join(dir, "broken.mp4")
	require.NoError(t, os.WriteFile(video, []byte("definitely not an mp4 container"), 0o644))

	err = ProbeValidator{FFmpeg: bin}.Validate(context.Background(), video)
	assert.Error(t, err)
}
