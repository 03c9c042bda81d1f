package blob_test

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clauseline/internal/blob"
)

func TestLocalStorePutOpenDelete(t *testing.T) {
	s := blob.NewLocalStore(t.TempDir(), 0)
	s.Now = func() time.Time { return time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC) }

	obj, err := s.Put("Receipt.PDF", strings.NewReader("paid in full"))
	require.NoError(t, err)
	sum := sha256.Sum256([]byte("paid in full"))
	assert.Equal(t, hex.EncodeToString(sum[:]), obj.SHA256)
	assert.Equal(t, int64(12), obj.Size)
	assert.True(t, strings.HasPrefix(obj.Key, "2024/03/"))
	assert.True(t, strings.HasSuffix(obj.Key, ".pdf"))

	rc, err := s.Open(obj.Key)
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "paid in full", string(body))

	other, err := s.Put("Receipt.PDF", strings.NewReader("second"))
	require.NoError(t, err)
	assert.NotEqual(t, obj.Key, other.Key)

	require.NoError(t, s.Delete(obj.Key))
	_, err = s.Open(obj.Key)
	assert.Error(t, err)
}

func TestLocalStoreLimits(t *testing.T) {
	s := blob.NewLocalStore(t.TempDir(), 4)
	_, err := s.Put("big.txt", strings.NewReader("too large"))
	require.ErrorIs(t, err, blob.ErrTooLarge)

	_, err = s.Open("../escape")
	assert.Error(t, err)
}
