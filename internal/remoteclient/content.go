package remoteclient

import (
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/mfmount/mfmount/internal/mferr"
	"github.com/pkg/errors"
)

// Download implements filecache.ContentClient, streaming file/get_info's
// companion direct-download link. MediaFire's real API returns a
// one-time download URL via file/get_info's links.normal_download
// field; here the same signed call used for descriptors is reused to
// fetch that URL, then a plain unauthenticated GET streams the bytes.
func (c *Client) Download(ctx context.Context, key string, w io.Writer) error {
	var out struct {
		apiEnvelope
		Response struct {
			FileInfo struct {
				Links struct {
					NormalDownload string `json:"normal_download"`
				} `json:"links"`
			} `json:"file_info"`
		} `json:"response"`
	}
	q := url.Values{"quick_key": {key}}.Encode()
	if err := c.call(ctx, "file/get_info.php", q, &out); err != nil {
		return errors.Wrapf(err, "remoteclient: download(%q): resolving link", key)
	}
	if err := out.apiEnvelope.check("file/get_info"); err != nil {
		return err
	}
	downloadURL := out.Response.FileInfo.Links.NormalDownload
	if downloadURL == "" {
		return errors.Wrapf(mferr.ErrFatal, "remoteclient: download(%q): no download link", key)
	}

	return c.pacer.Run(ctx, isTransient, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return errors.Wrapf(mferr.ErrTransient, "remoteclient: download(%q): %v", key, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return mferr.ErrNotFound
		}
		if resp.StatusCode >= 500 {
			return errors.Wrapf(mferr.ErrTransient, "remoteclient: download(%q): status %d", key, resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return errors.Wrapf(mferr.ErrFatal, "remoteclient: download(%q): status %d", key, resp.StatusCode)
		}
		_, err = io.Copy(w, resp.Body)
		if err != nil {
			return errors.Wrapf(mferr.ErrTransient, "remoteclient: download(%q): %v", key, err)
		}
		return nil
	})
}

// UploadPatch implements filecache.ContentClient against upload/simple,
// grounded on curl_auth_upload.c's upload_simple (POST the raw file
// body with a filename/session_token query), then polls
// upload/poll_upload as mfapi/apicalls/file_update.c polls file/update
// until the remote confirms the upload finished.
func (c *Client) UploadPatch(ctx context.Context, folderKey, filename string, r io.Reader) error {
	if err := c.ensureSession(ctx); err != nil {
		return err
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filename)
		if err == nil {
			_, err = io.Copy(part, r)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	c.mu.Lock()
	token := c.sessionToken
	c.mu.Unlock()

	q := url.Values{
		"session_token":       {token},
		"folder_key":          {folderKey},
		"filename":            {filename},
		"action_on_duplicate": {"replace"},
		"response_format":     {"json"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"upload/simple.php?"+q.Encode(), pr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out struct {
		apiEnvelope
		Response struct {
			DoUpload struct {
				Key string `json:"key"`
			} `json:"doupload"`
		} `json:"response"`
	}
	if err := c.doJSON(req, &out); err != nil {
		return errors.Wrapf(err, "remoteclient: upload_patch(%q/%q)", folderKey, filename)
	}
	if err := out.apiEnvelope.check("upload/simple"); err != nil {
		return err
	}
	return c.pollUpload(ctx, out.Response.DoUpload.Key)
}

// pollUpload repeats upload/poll_upload.php until the remote reports
// the upload complete, matching file_update.c's retry-on-timeout loop
// generalized to poll-until-ready rather than retry-until-accepted.
func (c *Client) pollUpload(ctx context.Context, uploadKey string) error {
	if uploadKey == "" {
		return nil
	}
	var out struct {
		apiEnvelope
		Response struct {
			DoUpload struct {
				Result      string `json:"result"`
				Description string `json:"description"`
			} `json:"doupload"`
		} `json:"response"`
	}
	for attempt := 0; attempt < 30; attempt++ {
		q := url.Values{"key": {uploadKey}}.Encode()
		if err := c.call(ctx, "upload/poll_upload.php", q, &out); err != nil {
			return errors.Wrap(err, "remoteclient: poll_upload")
		}
		if err := out.apiEnvelope.check("upload/poll_upload"); err != nil {
			return err
		}
		switch out.Response.DoUpload.Result {
		case "0":
			return nil
		case "99":
			// Still processing: fall through to the retry wait.
		default:
			return errors.Wrapf(mferr.ErrFatal, "remoteclient: poll_upload: %s", out.Response.DoUpload.Description)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return errors.Wrap(mferr.ErrTransient, "remoteclient: poll_upload: timed out waiting for completion")
}
