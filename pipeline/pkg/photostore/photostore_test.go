package photostore

import (
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(slog.New(slog.DiscardHandler), t.TempDir())
	require.NoError(t, err)
	return s
}

func TestSaveAndRead(t *testing.T) {
	s := newTestStore(t)
	id := uuid.New()

	name, err := s.Save(id, "image/jpeg", []byte{0xFF, 0xD8, 0xFF})
	require.NoError(t, err)
	require.Equal(t, id.String()+".jpg", name)

	data, mediaType, err := s.Read(id, name)
	require.NoError(t, err)
	require.Equal(t, []byte{0xFF, 0xD8, 0xFF}, data)
	require.Equal(t, "image/jpeg", mediaType)
}

func TestReadProbesExtensionsWhenNameLost(t *testing.T) {
	s := newTestStore(t)
	id := uuid.New()

	_, err := s.Save(id, "image/png", []byte{0x89, 0x50})
	require.NoError(t, err)

	data, mediaType, err := s.Read(id, "")
	require.NoError(t, err)
	require.Equal(t, []byte{0x89, 0x50}, data)
	require.Equal(t, "image/png", mediaType)
}

func TestReadMissing(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Read(uuid.New(), "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSaveRejectsBadInput(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Save(uuid.New(), "text/html", []byte("nope"))
	require.ErrorContains(t, err, "unsupported photo media type")

	_, err = s.Save(uuid.New(), "image/jpeg", nil)
	require.ErrorContains(t, err, "empty")
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	id := uuid.New()

	name, err := s.Save(id, "image/webp", []byte{0x52})
	require.NoError(t, err)

	require.NoError(t, s.Delete(id, name))
	require.NoError(t, s.Delete(id, name))

	_, _, err = s.Read(id, name)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestNewRequiresDirectory(t *testing.T) {
	_, err := New(slog.New(slog.DiscardHandler), "")
	require.ErrorContains(t, err, "required")
}
