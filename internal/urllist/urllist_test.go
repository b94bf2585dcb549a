package urllist

import (
	"reflect"
	"testing"
)

func TestIsValidURL(t *testing.T) {
	valid := []string{
		"https://example.com",
		"http://example.com/path",
		"https://www.bilibili.com/video/BV1xx411c7mD",
		"magnet:?xt=urn:btih:c9e15763f722f23e98a29decdfae341b98d53056&dn=x",
	}
	for _, u := range valid {
		if !IsValidURL(u) {
			t.Errorf("%q should be valid", u)
		}
	}

	invalid := []string{"", "not-a-url", "ftp://example.com", "https://", "magnet:", "/relative/path"}
	for _, u := range invalid {
		if IsValidURL(u) {
			t.Errorf("%q should be invalid", u)
		}
	}
}

func TestParseText(t *testing.T) {
	content := "\n  https://example.com/video1\r\nhttps://example.com/video2\ninvalid-url\n\n"
	got := Parse(content, "list.txt")
	want := []string{"https://example.com/video1", "https://example.com/video2"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	// unknown extensions are read as text
	if got := Parse(content, "list"); !reflect.DeepEqual(got, want) {
		t.Fatalf("no extension: got %v", got)
	}
}

func TestParseCSV(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    []string
	}{
		{
			name:    "url column",
			content: "title,url\nfirst,https://example.com/1\nsecond,\"https://example.com/2\"\nbad,nope\n",
			want:    []string{"https://example.com/1", "https://example.com/2"},
		},
		{
			name:    "no header",
			content: "https://example.com/1,a\n'https://example.com/2',b\n",
			want:    []string{"https://example.com/1", "https://example.com/2"},
		},
		{
			name:    "header without url column",
			content: "video_url_list\nhttps://example.com/1\n",
			want:    []string{"https://example.com/1"},
		},
		{
			name:    "short rows",
			content: "name,url\nonly-name\nx,https://example.com/3\n",
			want:    []string{"https://example.com/3"},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Parse(c.content, "urls.CSV"); !reflect.DeepEqual(got, c.want) {
				t.Fatalf("got %v, want %v", got, c.want)
			}
		})
	}
}

func TestParseJSON(t *testing.T) {
	content := `["https://example.com/1", {"url": "https://example.com/2", "title": "x"}, 42, {"name": "no url"}, "ftp://x"]`
	got := Parse(content, "urls.json")
	want := []string{"https://example.com/1", "https://example.com/2"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	for _, bad := range []string{`{"url": "https://example.com"}`, `not json`, ``} {
		if got := Parse(bad, "urls.json"); len(got) != 0 {
			t.Errorf("%q: expected nothing, got %v", bad, got)
		}
	}
}

func TestFilter(t *testing.T) {
	got := Filter([]string{" https://a.example/1 ", "", "javascript:alert(1)", "magnet:?xt=urn:btih:abc"})
	want := []string{"https://a.example/1", "magnet:?xt=urn:btih:abc"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}
