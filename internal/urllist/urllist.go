// Package urllist extracts download URLs from uploaded list files.
package urllist

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"net/url"
	"path/filepath"
	"strings"
)

// Parse returns the valid URLs found in content. The format is picked from the
// file extension: .json, .csv, anything else is read as one URL per line.
func Parse(content, filename string) []string {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), ".")) {
	case "json":
		return parseJSON(content)
	case "csv":
		return parseCSV(content)
	default:
		return parseLines(content)
	}
}

// IsValidURL accepts absolute http, https and magnet URLs.
func IsValidURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return u.Host != ""
	case "magnet":
		return u.RawQuery != "" || u.Opaque != ""
	}
	return false
}

// Filter keeps the valid URLs of urls, trimmed, in order.
func Filter(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if u = strings.TrimSpace(u); IsValidURL(u) {
			out = append(out, u)
		}
	}
	return out
}

func parseLines(content string) []string {
	var urls []string
	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); IsValidURL(line) {
			urls = append(urls, line)
		}
	}
	return urls
}

func parseCSV(content string) []string {
	r := csv.NewReader(strings.NewReader(content))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	column := 0
	first := true
	var urls []string
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// keep what was read before the malformed line
			break
		}

		if first {
			first = false
			if idx, ok := headerColumn(record); ok {
				column = idx
				continue
			}
		}
		if column >= len(record) {
			continue
		}
		if value := unquote(record[column]); IsValidURL(value) {
			urls = append(urls, value)
		}
	}
	return urls
}

// headerColumn reports whether record is a header row and which column holds
// the URL. A header without an exact "url" column falls back to column 0.
func headerColumn(record []string) (int, bool) {
	isHeader := false
	for _, field := range record {
		if strings.Contains(strings.ToLower(field), "url") && !IsValidURL(field) {
			isHeader = true
			break
		}
	}
	if !isHeader {
		return 0, false
	}
	for i, field := range record {
		if strings.EqualFold(strings.TrimSpace(field), "url") {
			return i, true
		}
	}
	return 0, true
}

func unquote(s string) string {
	return strings.Trim(strings.TrimSpace(s), `"'`)
}

func parseJSON(content string) []string {
	var entries []json.RawMessage
	if err := json.Unmarshal([]byte(content), &entries); err != nil {
		return nil
	}

	var urls []string
	for _, raw := range entries {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if s = strings.TrimSpace(s); IsValidURL(s) {
				urls = append(urls, s)
			}
			continue
		}
		var obj struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(raw, &obj); err == nil {
			if u := strings.TrimSpace(obj.URL); IsValidURL(u) {
				urls = append(urls, u)
			}
		}
	}
	return urls
}
