package engine

import (
	"bufio"
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/grafov/m3u8"

	"batch-downloader/internal/domain"
	"batch-downloader/internal/metrics"
)

const (
	partialSuffix    = ".part"
	maxPlaylistBytes = 4 << 20
	maxPlaylistDepth = 3
	defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36"
)

// HTTPFetcher downloads HLS playlists and plain media files. Playlists are
// resolved to their best variant and the segments are concatenated into a
// single .ts file.
type HTTPFetcher struct {
	Client    *http.Client
	UserAgent string
}

func (f *HTTPFetcher) Fetch(ctx context.Context, job domain.DownloadJob, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create target dir: %w", err)
	}

	resp, err := f.get(ctx, job.URL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	br := bufio.NewReaderSize(resp.Body, 64<<10)
	head, _ := br.Peek(len("#EXTM3U"))
	if isPlaylist(resp.Header.Get("Content-Type"), head) {
		body, err := io.ReadAll(io.LimitReader(br, maxPlaylistBytes))
		if err != nil {
			return "", fmt.Errorf("read playlist: %w", err)
		}
		return f.fetchPlaylist(ctx, resp.Request.URL, body, job.Name, dir, 0)
	}

	name := uniqueName(dir, job.Name, extensionFor(resp.Request.URL.Path, resp.Header.Get("Content-Type")))
	n, err := writeAtomic(filepath.Join(dir, name), br)
	if err != nil {
		return "", err
	}
	metrics.EngineBytesTotal.Add(float64(n))
	return name, nil
}

func (f *HTTPFetcher) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	ua := f.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	req.Header.Set("User-Agent", ua)

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %s: unexpected status %s", rawURL, resp.Status)
	}
	return resp, nil
}

func (f *HTTPFetcher) fetchPlaylist(ctx context.Context, base *url.URL, body []byte, name, dir string, depth int) (string, error) {
	if depth >= maxPlaylistDepth {
		return "", errors.New("playlist nesting too deep")
	}

	pl, err := parsePlaylist(base, body)
	if err != nil {
		return "", err
	}

	if pl.variant != nil {
		resp, err := f.get(ctx, pl.variant.String())
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		variant, err := io.ReadAll(io.LimitReader(resp.Body, maxPlaylistBytes))
		if err != nil {
			return "", fmt.Errorf("read variant playlist: %w", err)
		}
		return f.fetchPlaylist(ctx, resp.Request.URL, variant, name, dir, depth+1)
	}

	if len(pl.segments) == 0 {
		return "", errors.New("playlist has no segments")
	}

	filename := uniqueName(dir, name, ".ts")
	target := filepath.Join(dir, filename)
	tmp := target + partialSuffix

	out, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("create output: %w", err)
	}
	defer os.Remove(tmp)

	keys := map[string][]byte{}
	var written int64
	for _, seg := range pl.segments {
		n, err := f.copySegment(ctx, out, seg, keys)
		if err != nil {
			out.Close()
			return "", err
		}
		written += n
	}

	if err := out.Sync(); err != nil {
		out.Close()
		return "", fmt.Errorf("sync output: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close output: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return "", fmt.Errorf("finalise output: %w", err)
	}
	metrics.EngineBytesTotal.Add(float64(written))
	return filename, nil
}

func (f *HTTPFetcher) copySegment(ctx context.Context, w io.Writer, seg segment, keys map[string][]byte) (int64, error) {
	resp, err := f.get(ctx, seg.uri.String())
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if seg.key == nil {
		n, err := io.Copy(w, resp.Body)
		if err != nil {
			return n, fmt.Errorf("copy segment %d: %w", seg.sequence, err)
		}
		return n, nil
	}

	keyURL := seg.key.uri.String()
	key, ok := keys[keyURL]
	if !ok {
		kr, err := f.get(ctx, keyURL)
		if err != nil {
			return 0, err
		}
		key, err = io.ReadAll(io.LimitReader(kr.Body, 64))
		kr.Body.Close()
		if err != nil {
			return 0, fmt.Errorf("read segment key: %w", err)
		}
		keys[keyURL] = key
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("read segment %d: %w", seg.sequence, err)
	}
	plain, err := decryptAES128(data, key, seg.key.iv, seg.sequence)
	if err != nil {
		return 0, fmt.Errorf("decrypt segment %d: %w", seg.sequence, err)
	}
	n, err := w.Write(plain)
	return int64(n), err
}

type segmentKey struct {
	uri *url.URL
	iv  []byte
}

type segment struct {
	uri      *url.URL
	sequence int64
	key      *segmentKey
}

type playlist struct {
	variant  *url.URL
	segments []segment
}

// parsePlaylist reads an HLS playlist. For a master playlist only the variant
// with the highest bandwidth is returned.
func parsePlaylist(base *url.URL, body []byte) (*playlist, error) {
	if !bytes.HasPrefix(bytes.TrimSpace(body), []byte("#EXTM3U")) {
		return nil, errors.New("not an m3u8 playlist")
	}
	decoded, listType, err := m3u8.DecodeFrom(bytes.NewReader(body), false)
	if err != nil {
		return nil, fmt.Errorf("decode playlist: %w", err)
	}

	switch listType {
	case m3u8.MASTER:
		return masterVariant(base, decoded.(*m3u8.MasterPlaylist))
	case m3u8.MEDIA:
		return mediaSegments(base, decoded.(*m3u8.MediaPlaylist))
	}
	return nil, errors.New("unknown playlist type")
}

func masterVariant(base *url.URL, master *m3u8.MasterPlaylist) (*playlist, error) {
	var best *m3u8.Variant
	for _, v := range master.Variants {
		if v == nil || v.URI == "" {
			continue
		}
		if best == nil || v.Bandwidth > best.Bandwidth {
			best = v
		}
	}
	if best == nil {
		return nil, errors.New("master playlist has no variants")
	}
	ref, err := resolve(base, best.URI)
	if err != nil {
		return nil, err
	}
	return &playlist{variant: ref}, nil
}

// mediaSegments lists the segments in play order. An EXT-X-KEY applies to
// every following segment until the next one; an EXT-X-MAP adds its
// initialisation section once before the segments it covers.
func mediaSegments(base *url.URL, media *m3u8.MediaPlaylist) (*playlist, error) {
	var (
		pl      playlist
		key     *segmentKey
		lastMap string
		index   uint64
	)
	for _, seg := range media.Segments {
		if seg == nil {
			continue
		}

		if seg.Key != nil {
			k, err := segmentKeyFrom(base, seg.Key)
			if err != nil {
				return nil, err
			}
			key = k
		}

		initMap := seg.Map
		if initMap == nil && index == 0 {
			initMap = media.Map
		}
		if initMap != nil && initMap.URI != "" && initMap.URI != lastMap {
			ref, err := resolve(base, initMap.URI)
			if err != nil {
				return nil, err
			}
			pl.segments = append(pl.segments, segment{uri: ref, sequence: -1})
			lastMap = initMap.URI
		}

		ref, err := resolve(base, seg.URI)
		if err != nil {
			return nil, err
		}
		pl.segments = append(pl.segments, segment{uri: ref, sequence: int64(media.SeqNo + index), key: key})
		index++
	}
	return &pl, nil
}

func segmentKeyFrom(base *url.URL, k *m3u8.Key) (*segmentKey, error) {
	switch strings.ToUpper(k.Method) {
	case "", "NONE":
		return nil, nil
	case "AES-128":
	default:
		return nil, fmt.Errorf("unsupported encryption %q", k.Method)
	}

	ref, err := resolve(base, k.URI)
	if err != nil {
		return nil, err
	}
	out := &segmentKey{uri: ref}
	if k.IV != "" {
		raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(k.IV, "0x"), "0X"))
		if err != nil || len(raw) != aes.BlockSize {
			return nil, fmt.Errorf("invalid key iv %q", k.IV)
		}
		out.iv = raw
	}
	return out, nil
}

func resolve(base *url.URL, ref string) (*url.URL, error) {
	if ref == "" {
		return nil, errors.New("empty playlist uri")
	}
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("parse playlist uri %q: %w", ref, err)
	}
	return base.ResolveReference(u), nil
}

func decryptAES128(data, key, iv []byte, sequence int64) ([]byte, error) {
	if len(key) != aes.BlockSize {
		return nil, fmt.Errorf("key length %d", len(key))
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, errors.New("ciphertext is not block aligned")
	}
	if iv == nil {
		iv = make([]byte, aes.BlockSize)
		binary.BigEndian.PutUint64(iv[8:], uint64(sequence))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)

	pad := int(out[len(out)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(out) {
		return nil, errors.New("invalid padding")
	}
	return out[:len(out)-pad], nil
}

func isPlaylist(contentType string, head []byte) bool {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "mpegurl") {
		return true
	}
	return bytes.HasPrefix(head, []byte("#EXTM3U"))
}

func extensionFor(urlPath, contentType string) string {
	if ext := path.Ext(urlPath); ext != "" && len(ext) <= 6 {
		return strings.ToLower(ext)
	}
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		if exts, _ := mime.ExtensionsByType(mediaType); len(exts) > 0 {
			return exts[0]
		}
	}
	return ".mp4"
}

// uniqueName returns `<stem><ext>`, or `<stem> (n)<ext>` when that file exists.
func uniqueName(dir, stem, ext string) string {
	name := stem + ext
	for i := 2; ; i++ {
		if _, err := os.Stat(filepath.Join(dir, name)); errors.Is(err, os.ErrNotExist) {
			return name
		}
		name = fmt.Sprintf("%s (%d)%s", stem, i, ext)
	}
}

// writeAtomic streams r into a temporary file next to dest and renames it
// into place once fully written.
func writeAtomic(dest string, r io.Reader) (int64, error) {
	tmp := dest + partialSuffix
	f, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp)

	n, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		return n, fmt.Errorf("write body: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return n, fmt.Errorf("sync file: %w", err)
	}
	if err := f.Close(); err != nil {
		return n, fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return n, fmt.Errorf("rename file: %w", err)
	}
	return n, nil
}
