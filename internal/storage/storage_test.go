package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/soilsong/internal/config"
)

type apiError struct {
	code string
}

func (e *apiError) Error() string                 { return e.code }
func (e *apiError) ErrorCode() string             { return e.code }
func (e *apiError) ErrorMessage() string          { return e.code }
func (e *apiError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }

type mockS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	putErr  error
}

func newMockS3() *mockS3 {
	return &mockS3{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *mockS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[*in.Key]
	if !ok {
		return nil, &apiError{code: "NoSuchKey"}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *mockS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[*in.Key] = data
	if in.ContentType != nil {
		m.types[*in.Key] = *in.ContentType
	}
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[*in.Key]; !ok {
		return nil, &apiError{code: "NotFound"}
	}
	return &s3.HeadObjectOutput{}, nil
}

func TestLocalWriteReadDelete(t *testing.T) {
	store, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	n, err := WriteFile(ctx, store, "soil_story_1.mp3", strings.NewReader("abc"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	ok, err := store.Exists(ctx, "soil_story_1.mp3")
	require.NoError(t, err)
	assert.True(t, ok)

	r, err := store.Read(ctx, "soil_story_1.mp3")
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "abc", string(data))

	require.NoError(t, store.Delete(ctx, "soil_story_1.mp3"))
	require.NoError(t, store.Delete(ctx, "soil_story_1.mp3"))

	_, err = store.Read(ctx, "soil_story_1.mp3")
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestS3StorePrefixesKeys(t *testing.T) {
	mock := newMockS3()
	store := NewS3(mock, "bucket", "soilsong/audio")
	ctx := context.Background()

	_, err := WriteFile(ctx, store, "soil_story_1.mp3", strings.NewReader("mp3"))
	require.NoError(t, err)
	assert.Equal(t, []byte("mp3"), mock.objects["soilsong/audio/soil_story_1.mp3"])
	assert.Equal(t, "audio/mpeg", mock.types["soilsong/audio/soil_story_1.mp3"])

	ok, err := store.Exists(ctx, "missing.mp3")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.Read(ctx, "missing.mp3")
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestWriteFileRemovesPartialUpload(t *testing.T) {
	mock := newMockS3()
	mock.putErr = errors.New("bucket unavailable")
	store := NewS3(mock, "bucket", "")

	_, err := WriteFile(context.Background(), store, "soil_story_2.mp3", strings.NewReader("data"))
	require.Error(t, err)
	assert.Empty(t, mock.objects)
}

func TestOpenS3UsesSeparatePrefixes(t *testing.T) {
	stores, err := Open(context.Background(), config.StorageConfig{
		Backend: "s3",
		S3:      config.S3Config{Bucket: "b", Region: "us-east-1", Prefix: "/env/"},
	})
	require.NoError(t, err)
	assert.Equal(t, "env/audio", stores.Audio.(*S3Store).prefix)
	assert.Equal(t, "env/uploads", stores.Uploads.(*S3Store).prefix)
}

func TestCleanName(t *testing.T) {
	for _, name := range []string{"soil_1.jpg", "nested/file.mp3"} {
		got, err := CleanName(name)
		require.NoError(t, err)
		assert.Equal(t, name, got)
	}
	for _, name := range []string{"", "../etc/passwd", "a/../../b", `a\b`, "a//b"} {
		_, err := CleanName(name)
		assert.Error(t, err, name)
	}
}
