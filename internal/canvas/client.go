// Package canvas provides the narrow Canvas REST surface the bridge needs:
// course roster, per-course file listings, and raw file downloads.
package canvas

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Course is one entry of the user's course roster.
type Course struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	CourseCode string `json:"course_code"`
}

// File is one remote file with enough metadata to plan a sync.
// RelativePath is assigned during listing and is unique per course.
type File struct {
	ID           int64  `json:"id"`
	DisplayName  string `json:"display_name"`
	URL          string `json:"url"`
	Size         int64  `json:"size"`
	UpdatedAt    string `json:"updated_at"`
	RelativePath string `json:"-"`
}

// Signature returns the change marker used for skip/fetch decisions.
func (f File) Signature() string {
	return f.UpdatedAt + "|" + strconv.FormatInt(f.Size, 10)
}

// Client is the Canvas API surface consumed by the sync engine.
type Client interface {
	// Courses returns the active course roster.
	Courses(ctx context.Context) ([]Course, error)

	// CourseFiles returns every file reachable from the course, with
	// relative paths assigned under Files/ and Modules/<module>/.
	CourseFiles(ctx context.Context, courseID int64) ([]File, error)

	// Download streams the file at fileURL into w.
	Download(ctx context.Context, fileURL string, w io.Writer) error
}

// HTTPClient implements Client against the Canvas REST API.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates a Canvas API client with bearer-token auth.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

type module struct {
	ID    int64        `json:"id"`
	Name  string       `json:"name"`
	Items []moduleItem `json:"items"`
}

type moduleItem struct {
	Type      string `json:"type"`
	ContentID int64  `json:"content_id"`
}

// Courses returns the active course roster across all pages.
func (c *HTTPClient) Courses(ctx context.Context) ([]Course, error) {
	query := url.Values{
		"enrollment_state": {"active"},
		"per_page":         {"100"},
	}
	courses, err := fetchAll[Course](ctx, c, "/api/v1/courses", query)
	if err != nil {
		return nil, fmt.Errorf("fetch courses: %w", err)
	}
	return courses, nil
}

// CourseFiles merges module file items and the course Files area into one
// listing, deduplicated by file ID. Module entries win because they carry
// the more specific path.
func (c *HTTPClient) CourseFiles(ctx context.Context, courseID int64) ([]File, error) {
	seen := make(map[int64]struct{})
	var listing []File

	modules, err := fetchAll[module](ctx, c,
		fmt.Sprintf("/api/v1/courses/%d/modules", courseID),
		url.Values{"include[]": {"items"}, "per_page": {"100"}},
	)
	if err != nil {
		return nil, fmt.Errorf("fetch modules for course %d: %w", courseID, err)
	}

	for _, mod := range modules {
		items := mod.Items
		if len(items) == 0 {
			items, err = fetchAll[moduleItem](ctx, c,
				fmt.Sprintf("/api/v1/courses/%d/modules/%d/items", courseID, mod.ID),
				url.Values{"per_page": {"100"}},
			)
			if err != nil {
				return nil, fmt.Errorf("fetch items for module %d: %w", mod.ID, err)
			}
		}

		modName := SanitizeName(mod.Name)
		for _, item := range items {
			if item.Type != "File" || item.ContentID == 0 {
				continue
			}
			if _, ok := seen[item.ContentID]; ok {
				continue
			}
			info, err := c.fileInfo(ctx, item.ContentID)
			if err != nil {
				return nil, fmt.Errorf("fetch file %d: %w", item.ContentID, err)
			}
			info.RelativePath = "Modules/" + modName + "/" + SanitizeName(info.DisplayName)
			seen[info.ID] = struct{}{}
			listing = append(listing, info)
		}
	}

	files, err := fetchAll[File](ctx, c,
		fmt.Sprintf("/api/v1/courses/%d/files", courseID),
		url.Values{"per_page": {"100"}},
	)
	if err != nil {
		return nil, fmt.Errorf("fetch files for course %d: %w", courseID, err)
	}
	for _, f := range files {
		if _, ok := seen[f.ID]; ok {
			continue
		}
		f.RelativePath = "Files/" + SanitizeName(f.DisplayName)
		seen[f.ID] = struct{}{}
		listing = append(listing, f)
	}

	return listing, nil
}

func (c *HTTPClient) fileInfo(ctx context.Context, fileID int64) (File, error) {
	req, err := c.newRequest(ctx, c.baseURL+fmt.Sprintf("/api/v1/files/%d", fileID))
	if err != nil {
		return File{}, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return File{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return File{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var f File
	if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
		return File{}, fmt.Errorf("decode file metadata: %w", err)
	}
	return f, nil
}

// Download streams the file payload into w. Canvas file URLs are
// pre-signed, so no Authorization header is attached.
func (c *HTTPClient) Download(ctx context.Context, fileURL string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return fmt.Errorf("build download request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download: unexpected status %d", resp.StatusCode)
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("download: stream body: %w", err)
	}
	return nil
}

func (c *HTTPClient) newRequest(ctx context.Context, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// fetchAll walks a paginated Canvas endpoint following Link rel="next"
// headers until the last page.
func fetchAll[T any](ctx context.Context, c *HTTPClient, path string, query url.Values) ([]T, error) {
	current := c.baseURL + path
	if len(query) > 0 {
		current += "?" + query.Encode()
	}

	var all []T
	for current != "" {
		req, err := c.newRequest(ctx, current)
		if err != nil {
			return nil, err
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request %s: %w", current, err)
		}

		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("request %s: unexpected status %d", current, resp.StatusCode)
		}

		var page []T
		if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("decode page: %w", err)
		}
		next := nextLink(resp.Header.Get("Link"))
		resp.Body.Close()

		all = append(all, page...)
		current = next
	}

	return all, nil
}

// nextLink extracts the rel="next" target from a Link header, or "".
func nextLink(header string) string {
	for _, part := range strings.Split(header, ",") {
		if !strings.Contains(part, `rel="next"`) {
			continue
		}
		start := strings.Index(part, "<")
		end := strings.Index(part, ">")
		if start >= 0 && end > start {
			return part[start+1 : end]
		}
	}
	return ""
}

// SanitizeName removes path separators and other characters that are not
// safe in file or folder names, caps the length, and never returns "".
func SanitizeName(name string) string {
	const illegal = `<>:"/\|?*`
	name = strings.Map(func(r rune) rune {
		if strings.ContainsRune(illegal, r) {
			return '_'
		}
		return r
	}, name)
	name = strings.Trim(name, ". ")
	if len(name) > 200 {
		name = name[:200]
	}
	if name == "" {
		return "unnamed"
	}
	return name
}
