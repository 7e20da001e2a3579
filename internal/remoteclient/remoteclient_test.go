package remoteclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/mfmount/mfmount/internal/mferr"
	"github.com/mfmount/mfmount/internal/reconcile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/", Email: "a@b.com", PasswordHash: "hash", AppID: "1"}, srv.Client())
}

func TestDeviceStatusAuthenticatesThenSignsCall(t *testing.T) {
	var sawAuth, sawStatus int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/user/get_session_token.php":
			atomic.AddInt32(&sawAuth, 1)
			fmt.Fprint(w, `{"response":{"result":"Success","session_token":"tok","secret_key":"abc"}}`)
		case r.URL.Path == "/device/get_status.php":
			atomic.AddInt32(&sawStatus, 1)
			assert.Contains(t, r.URL.RawQuery, "session_token=tok")
			assert.Contains(t, r.URL.RawQuery, "signature=")
			fmt.Fprint(w, `{"response":{"result":"Success","device_revision":"42"}}`)
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	rev, err := c.DeviceStatus(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 42, rev)
	assert.EqualValues(t, 1, sawAuth)
	assert.EqualValues(t, 1, sawStatus)

	// A second call reuses the existing session.
	_, err = c.DeviceStatus(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, sawAuth)
	assert.EqualValues(t, 2, sawStatus)
}

func TestFolderInfoMapsNotFoundResult(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/user/get_session_token.php":
			fmt.Fprint(w, `{"response":{"result":"Success","session_token":"tok","secret_key":"abc"}}`)
		case "/folder/get_info.php":
			fmt.Fprint(w, `{"response":{"result":"Error","message":"Folder not found"}}`)
		}
	})

	_, err := c.FolderInfo(context.Background(), "ggg0000000000")
	assert.ErrorIs(t, err, mferr.ErrNotFound)
}

func TestFolderInfoParsesDescriptor(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/user/get_session_token.php":
			fmt.Fprint(w, `{"response":{"result":"Success","session_token":"tok","secret_key":"abc"}}`)
		case "/folder/get_info.php":
			fmt.Fprint(w, `{"response":{"result":"Success","folder_info":{"folderkey":"aaa0000000001","parent_folderkey":"","name":"Documents","revision":"7","created":"2024-01-02 03:04:05"}}}`)
		}
	})

	desc, err := c.FolderInfo(context.Background(), "aaa0000000001")
	require.NoError(t, err)
	assert.Equal(t, "Documents", desc.Name)
	assert.EqualValues(t, 7, desc.RemoteRevision)
	assert.Equal(t, 2024, desc.CTime.Year())
}

func TestCallRetriesOnServerError(t *testing.T) {
	var attempts int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/user/get_session_token.php":
			fmt.Fprint(w, `{"response":{"result":"Success","session_token":"tok","secret_key":"abc"}}`)
		case "/device/get_status.php":
			if atomic.AddInt32(&attempts, 1) < 3 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			fmt.Fprint(w, `{"response":{"result":"Success","device_revision":"1"}}`)
		}
	})
	c.pacer.Backoff = 0

	rev, err := c.DeviceStatus(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, rev)
	assert.EqualValues(t, 3, attempts)
}

func TestDeviceChangesAppendsEndTerminator(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/user/get_session_token.php":
			fmt.Fprint(w, `{"response":{"result":"Success","session_token":"tok","secret_key":"abc"}}`)
		case "/device/get_changes.php":
			fmt.Fprint(w, `{"response":{"result":"Success","changes":[{"change":"file_updated","key":"bbb000000000001","parent":"","revision":"3"}]}}`)
		}
	})

	changes, err := c.DeviceChanges(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, "bbb000000000001", changes[0].Key)
	assert.Equal(t, reconcile.FileUpdated, changes[0].Kind)
	assert.Equal(t, reconcile.End, changes[1].Kind)
	assert.EqualValues(t, 3, changes[1].Revision)
}

func TestDownloadFollowsLinkFromFileInfo(t *testing.T) {
	var dlRequested int32
	var dlSrv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/user/get_session_token.php", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"response":{"result":"Success","session_token":"tok","secret_key":"abc"}}`)
	})
	mux.HandleFunc("/file/get_info.php", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"response":{"result":"Success","file_info":{"links":{"normal_download":"%s/blob"}}}}`, dlSrv.URL)
	})
	mux.HandleFunc("/blob", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&dlRequested, 1)
		fmt.Fprint(w, "file contents")
	})
	dlSrv = httptest.NewServer(mux)
	t.Cleanup(dlSrv.Close)
	c := New(Config{BaseURL: dlSrv.URL + "/", Email: "a@b.com", PasswordHash: "hash", AppID: "1"}, dlSrv.Client())

	var buf bytes.Buffer
	err := c.Download(context.Background(), "bbb000000000001", &buf)
	require.NoError(t, err)
	assert.Equal(t, "file contents", buf.String())
	assert.EqualValues(t, 1, dlRequested)
}

func TestUploadPatchPostsMultipartThenPolls(t *testing.T) {
	var pollCount int32
	var uploadedBody string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/user/get_session_token.php":
			fmt.Fprint(w, `{"response":{"result":"Success","session_token":"tok","secret_key":"abc"}}`)
		case "/upload/simple.php":
			require.NoError(t, r.ParseMultipartForm(1<<20))
			f, _, err := r.FormFile("file")
			require.NoError(t, err)
			b, err := io.ReadAll(f)
			require.NoError(t, err)
			uploadedBody = string(b)
			fmt.Fprint(w, `{"response":{"result":"Success","doupload":{"key":"upkey"}}}`)
		case "/upload/poll_upload.php":
			if atomic.AddInt32(&pollCount, 1) < 2 {
				fmt.Fprint(w, `{"response":{"result":"Success","doupload":{"result":"99"}}}`)
				return
			}
			fmt.Fprint(w, `{"response":{"result":"Success","doupload":{"result":"0"}}}`)
		}
	})

	err := c.UploadPatch(context.Background(), "ccc0000000001", "notes.txt", strings.NewReader("hello patch"))
	require.NoError(t, err)
	assert.Equal(t, "hello patch", uploadedBody)
	assert.EqualValues(t, 2, pollCount)
}
