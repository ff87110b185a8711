package s3util

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// fakeS3 keeps objects in memory and can inject failures.
type fakeS3 struct {
	objects map[string][]byte
	headErr error
	getErr  error
	tags    map[string]string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, tags: map[string]string{}}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Key] = data
	if in.Tagging != nil {
		f.tags[*in.Key] = *in.Tagging
	}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if f.headErr != nil {
		return nil, f.headErr
	}
	if _, ok := f.objects[*in.Key]; !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestUploadThenExists(t *testing.T) {
	fake := newFakeS3()
	b := NewBucket(fake, "photos")

	local := filepath.Join(t.TempDir(), "cat.jpg")
	if err := os.WriteFile(local, []byte("jpeg-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	ok, err := b.Exists(ctx, "uploads/cat.jpg")
	if err != nil || ok {
		t.Fatalf("Exists before upload = %v, %v; want false, nil", ok, err)
	}

	if err := b.Upload(ctx, "uploads/cat.jpg", local); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if fake.tags["uploads/cat.jpg"] != projectTag {
		t.Errorf("expected project tag, got %q", fake.tags["uploads/cat.jpg"])
	}

	ok, err = b.Exists(ctx, "uploads/cat.jpg")
	if err != nil || !ok {
		t.Fatalf("Exists after upload = %v, %v; want true, nil", ok, err)
	}
}

func TestExists_PropagatesOtherErrors(t *testing.T) {
	fake := newFakeS3()
	fake.headErr = errors.New("throttled")
	b := NewBucket(fake, "photos")

	_, err := b.Exists(context.Background(), "k")
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestDownload(t *testing.T) {
	fake := newFakeS3()
	fake.objects["uploads/dog.png"] = []byte("png-bytes")
	b := NewBucket(fake, "photos")

	dst := filepath.Join(t.TempDir(), "nested", "dog.png")
	if err := b.Download(context.Background(), "uploads/dog.png", dst); err != nil {
		t.Fatalf("Download: %v", err)
	}
	got, _ := os.ReadFile(dst)
	if string(got) != "png-bytes" {
		t.Errorf("downloaded %q", got)
	}

	err := b.Download(context.Background(), "missing.png", filepath.Join(t.TempDir(), "x.png"))
	if err == nil || !IsNotFound(err) {
		t.Errorf("expected not-found error, got %v", err)
	}
}

func TestURI(t *testing.T) {
	b := NewBucket(newFakeS3(), "photos")
	if got := b.URI("a/b.jpg"); got != "s3://photos/a/b.jpg" {
		t.Errorf("URI = %q", got)
	}
}

func TestPutThenGet(t *testing.T) {
	fake := newFakeS3()
	b := NewBucket(fake, "photos")
	ctx := context.Background()

	if err := b.Put(ctx, "predictions/p1/summary.txt", []byte("cat:2")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := b.Get(ctx, "predictions/p1/summary.txt")
	if err != nil || string(got) != "cat:2" {
		t.Fatalf("Get = %q, %v", got, err)
	}
	if _, err := b.Get(ctx, "missing"); !IsNotFound(err) {
		t.Errorf("expected not-found error, got %v", err)
	}
}
