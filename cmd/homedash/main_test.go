package main

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homedash/internal/model"
	"homedash/internal/picker"
)

type pickBackend struct {
	createErr error
	onCreate  func()
}

func (b *pickBackend) Create(ctx context.Context) (*picker.Session, error) {
	if b.createErr != nil {
		return nil, b.createErr
	}
	if b.onCreate != nil {
		b.onCreate()
	}
	return &picker.Session{PickerSession: model.PickerSession{
		SessionID: "sess-1",
		PickerURI: "https://photos.google.com/picker/sess-1",
	}}, nil
}

func (b *pickBackend) Status(ctx context.Context, sessionID string) (picker.Status, error) {
	return picker.Status{MediaItemsSet: true}, nil
}

func (b *pickBackend) Retrieve(ctx context.Context, sessionID string) ([]model.SelectedPhoto, error) {
	return []model.SelectedPhoto{{ID: "a", URL: "https://lh3/a"}}, nil
}

type recordingDeleter struct {
	mu      sync.Mutex
	deleted []string
}

func (d *recordingDeleter) Delete(ctx context.Context, sessionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deleted = append(d.deleted, sessionID)
	return nil
}

func TestPickPhotosSavesAndDeletesSession(t *testing.T) {
	p := picker.NewPoller(&pickBackend{}, picker.PollerOptions{})
	del := &recordingDeleter{}
	var out bytes.Buffer

	err := pickPhotos(context.Background(), p, del, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "https://photos.google.com/picker/sess-1")
	assert.Contains(t, out.String(), "Saved 1 photos.")
	assert.Equal(t, []string{"sess-1"}, del.deleted)
}

func TestPickPhotosDeletesSessionDisposedDuringCreate(t *testing.T) {
	be := &pickBackend{}
	p := picker.NewPoller(be, picker.PollerOptions{})
	be.onCreate = func() { p.Dispose() }
	del := &recordingDeleter{}

	err := pickPhotos(context.Background(), p, del, &bytes.Buffer{})
	require.ErrorIs(t, err, picker.ErrCancelled)
	assert.Equal(t, []string{"sess-1"}, del.deleted)
	assert.Equal(t, picker.StateCancelled, p.State())
}

func TestPickPhotosCreateFailureDeletesNothing(t *testing.T) {
	p := picker.NewPoller(&pickBackend{createErr: errors.New("boom")}, picker.PollerOptions{})
	del := &recordingDeleter{}

	err := pickPhotos(context.Background(), p, del, &bytes.Buffer{})
	require.Error(t, err)
	assert.Empty(t, del.deleted)
}
