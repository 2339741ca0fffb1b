package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/alexjbarnes/blobsync/internal/auth"
	"github.com/alexjbarnes/blobsync/internal/blossom"
	"github.com/alexjbarnes/blobsync/internal/logging"
	"github.com/alexjbarnes/blobsync/internal/relay"
)

// fakeServer is a configurable blob server for coordinator tests.
type fakeServer struct {
	*httptest.Server

	hasBlob     atomic.Bool
	failUploads atomic.Bool

	uploads atomic.Int32
	mirrors atomic.Int32
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()

	fs := &fakeServer{}

	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodHead:
			if fs.hasBlob.Load() {
				w.WriteHeader(http.StatusOK)
			} else {
				w.WriteHeader(http.StatusNotFound)
			}

		case r.URL.Path == "/upload":
			fs.uploads.Add(1)

			if fs.failUploads.Load() {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}

			sum := sha256.Sum256(readAll(r))
			hash := hex.EncodeToString(sum[:])
			_ = json.NewEncoder(w).Encode(map[string]string{
				"url":    "http://" + r.Host + "/" + hash,
				"sha256": hash,
			})

		case r.URL.Path == "/mirror":
			fs.mirrors.Add(1)
			w.WriteHeader(http.StatusOK)

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(fs.Close)

	return fs
}

func readAll(r *http.Request) []byte {
	data := make([]byte, 0, 1024)
	buf := make([]byte, 1024)

	for {
		n, err := r.Body.Read(buf)
		data = append(data, buf[:n]...)

		if err != nil {
			return data
		}
	}
}

func newTestCoordinator(t *testing.T, rel relay.Relay, servers ...string) *Coordinator {
	t.Helper()

	ctrl := gomock.NewController(t)
	signer := auth.NewMockSigner(ctrl)
	signer.EXPECT().
		Sign(gomock.Any(), gomock.Any(), "test-identity").
		Return(`{"kind":24242,"sig":"aa"}`, nil).
		AnyTimes()

	client := blossom.NewClient(signer, "test-identity", "", logging.NewTestLogger())

	return NewCoordinator(client, servers, signer, "test-identity", rel, logging.NewTestLogger())
}

func TestRun_UploadsToPrimaryAndMirrors(t *testing.T) {
	primary := newFakeServer(t)
	mirror := newFakeServer(t)

	c := newTestCoordinator(t, nil, primary.URL, mirror.URL)

	item := NewItem("photo.png", "image/png", []byte("raw png bytes"))

	outcome, err := c.Run(context.Background(), item, nil)
	require.NoError(t, err)
	require.NotNil(t, outcome)

	assert.Equal(t, StatusDone, item.Status)
	assert.Len(t, item.Hash, 64)

	assert.Equal(t, primary.URL, outcome.Primary.ServerURL)
	assert.Equal(t, item.Hash, outcome.Primary.ContentHash)

	require.Len(t, outcome.Mirrors, 1)
	assert.Equal(t, mirror.URL, outcome.Mirrors[0].ServerURL)

	assert.Equal(t, int32(1), primary.uploads.Load())
	assert.Equal(t, int32(0), primary.mirrors.Load())
	assert.Equal(t, int32(1), mirror.mirrors.Load())

	assert.Len(t, outcome.Entries(), 2)
}

func TestRun_SkipsTransferWhenServerHasBlob(t *testing.T) {
	primary := newFakeServer(t)
	primary.hasBlob.Store(true)

	c := newTestCoordinator(t, nil, primary.URL)

	item := NewItem("photo.png", "image/png", []byte("raw png bytes"))

	outcome, err := c.Run(context.Background(), item, nil)
	require.NoError(t, err)

	assert.Equal(t, int32(0), primary.uploads.Load(), "a present blob is never re-uploaded")
	assert.Equal(t, primary.URL+"/"+item.Hash, outcome.Primary.URL)
}

func TestRun_FailsOverToNextServer(t *testing.T) {
	broken := newFakeServer(t)
	broken.failUploads.Store(true)

	working := newFakeServer(t)

	c := newTestCoordinator(t, nil, broken.URL, working.URL)

	item := NewItem("photo.png", "image/png", []byte("raw png bytes"))

	outcome, err := c.Run(context.Background(), item, nil)
	require.NoError(t, err)

	assert.Equal(t, working.URL, outcome.Primary.ServerURL)
	assert.Equal(t, int32(1), broken.uploads.Load())
	assert.Equal(t, int32(1), working.uploads.Load())

	// The server that failed the raw upload still gets a mirror attempt.
	assert.Equal(t, int32(1), broken.mirrors.Load())
	assert.Equal(t, StatusDone, item.Status)
}

func TestRun_FailedOnlyAfterAllServers(t *testing.T) {
	a := newFakeServer(t)
	a.failUploads.Store(true)

	b := newFakeServer(t)
	b.failUploads.Store(true)

	c := newTestCoordinator(t, nil, a.URL, b.URL)

	item := NewItem("photo.png", "image/png", []byte("raw png bytes"))

	outcome, err := c.Run(context.Background(), item, nil)
	require.Error(t, err)
	assert.Nil(t, outcome)
	assert.Equal(t, StatusFailed, item.Status)

	assert.Equal(t, int32(1), a.uploads.Load())
	assert.Equal(t, int32(1), b.uploads.Load())
}

func TestRun_PublishesMetadataEvent(t *testing.T) {
	primary := newFakeServer(t)

	ctrl := gomock.NewController(t)
	rel := relay.NewMockRelay(ctrl)
	rel.EXPECT().
		Publish(gomock.Any(), gomock.Any()).
		Return(true, nil)

	c := newTestCoordinator(t, rel, primary.URL)

	item := NewItem("photo.png", "image/png", []byte("raw png bytes"))

	_, err := c.Run(context.Background(), item, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, item.Status)
}

func TestRun_PublishFailureDoesNotFailUpload(t *testing.T) {
	primary := newFakeServer(t)

	ctrl := gomock.NewController(t)
	rel := relay.NewMockRelay(ctrl)
	rel.EXPECT().
		Publish(gomock.Any(), gomock.Any()).
		Return(false, nil)

	c := newTestCoordinator(t, rel, primary.URL)

	item := NewItem("photo.png", "image/png", []byte("raw png bytes"))

	outcome, err := c.Run(context.Background(), item, nil)
	require.NoError(t, err, "metadata publish is best-effort")
	require.NotNil(t, outcome)
	assert.Equal(t, StatusDone, item.Status)
}

func TestProcessedHashMatchesUploadedBytes(t *testing.T) {
	primary := newFakeServer(t)

	c := newTestCoordinator(t, nil, primary.URL)

	item := NewItem("clip.mp4", "video/mp4", []byte("video bytes"))

	outcome, err := c.Run(context.Background(), item, nil)
	require.NoError(t, err)

	sum := sha256.Sum256([]byte("video bytes"))
	assert.Equal(t, hex.EncodeToString(sum[:]), outcome.Primary.ContentHash,
		"non-image bytes upload verbatim, so the server recomputes the same hash")
}
