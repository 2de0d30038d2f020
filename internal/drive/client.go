// Package drive is a hand-written client for the subset of the Google
// Drive v3 API the course mirror needs: folder listing, file metadata,
// and account info. Calls take the bearer token explicitly — token
// lifecycle is the token package's job.
package drive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-faster/errors"
)

const (
	defaultBaseURL = "https://www.googleapis.com/drive/v3"

	// MimeFolder is the MIME type Drive assigns to folders.
	MimeFolder = "application/vnd.google-apps.folder"

	fileFields = "id,name,mimeType,size,createdTime,modifiedTime,parents,webViewLink,iconLink,trashed"
	pageSize   = 100
)

// APIError is a structured Drive API failure. It carries the HTTP status
// so callers branch on a code, not on message shapes.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("drive api: status %d: %s", e.Status, e.Message)
}

// StatusCode satisfies token.StatusCoder.
func (e *APIError) StatusCode() int { return e.Status }

// File is Drive file or folder metadata.
type File struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	MimeType     string    `json:"mimeType"`
	Size         int64     `json:"size,string,omitempty"`
	CreatedTime  time.Time `json:"createdTime,omitempty"`
	ModifiedTime time.Time `json:"modifiedTime,omitempty"`
	Parents      []string  `json:"parents,omitempty"`
	WebViewLink  string    `json:"webViewLink,omitempty"`
	IconLink     string    `json:"iconLink,omitempty"`
	Trashed      bool      `json:"trashed,omitempty"`
}

// IsFolder reports whether the file is a Drive folder.
func (f *File) IsFolder() bool { return f.MimeType == MimeFolder }

// About is the Drive account info subset we expose.
type About struct {
	User struct {
		DisplayName  string `json:"displayName"`
		EmailAddress string `json:"emailAddress"`
	} `json:"user"`
}

type Client struct {
	baseURL string
	client  *http.Client
}

func New() *Client {
	return NewWithBaseURL(defaultBaseURL)
}

// NewWithBaseURL exists for tests pointing at a local server.
func NewWithBaseURL(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ListChildren lists the non-trashed contents of a folder, folders
// first then by name, following pagination to the end.
func (c *Client) ListChildren(ctx context.Context, accessToken, folderID string) ([]File, error) {
	var all []File
	pageToken := ""
	for {
		params := url.Values{}
		params.Set("q", fmt.Sprintf("'%s' in parents and trashed=false", folderID))
		params.Set("orderBy", "folder,name")
		params.Set("pageSize", fmt.Sprintf("%d", pageSize))
		params.Set("fields", fmt.Sprintf("nextPageToken,files(%s)", fileFields))
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}

		var page struct {
			NextPageToken string `json:"nextPageToken"`
			Files         []File `json:"files"`
		}
		if err := c.get(ctx, accessToken, "/files?"+params.Encode(), &page); err != nil {
			return nil, err
		}
		all = append(all, page.Files...)
		if page.NextPageToken == "" {
			return all, nil
		}
		pageToken = page.NextPageToken
	}
}

// GetFile fetches metadata for a single file or folder.
func (c *Client) GetFile(ctx context.Context, accessToken, fileID string) (*File, error) {
	var f File
	path := fmt.Sprintf("/files/%s?fields=%s", url.PathEscape(fileID), url.QueryEscape(fileFields))
	if err := c.get(ctx, accessToken, path, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// About fetches the Drive account owner info.
func (c *Client) About(ctx context.Context, accessToken string) (*About, error) {
	var a About
	if err := c.get(ctx, accessToken, "/about?fields=user", &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *Client) get(ctx context.Context, accessToken, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return errors.Wrap(err, "create drive request")
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "drive request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode drive response")
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var payload struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	message := http.StatusText(resp.StatusCode)
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error.Message != "" {
		message = payload.Error.Message
	}
	return &APIError{Status: resp.StatusCode, Message: message}
}
