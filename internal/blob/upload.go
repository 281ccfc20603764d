package blob

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dustin/go-humanize"
)

// PartSize is the multipart chunk size. Busy workers OOM with larger chunks,
// so this stays fixed at 10 MiB.
const PartSize = int64(10 * 1024 * 1024)

// uploadSession is the on-disk resume record for one archive upload. A replay
// of the same (key, file, fingerprint) picks up after the last completed part
// instead of resending the whole archive.
type uploadSession struct {
	UploadID    string         `json:"uploadId"`
	Key         string         `json:"key"`
	FilePath    string         `json:"filePath"`
	Fingerprint string         `json:"fingerprint"`
	Size        int64          `json:"size"`
	PartSize    int64          `json:"partSize"`
	PartCount   int            `json:"partCount"`
	Completed   map[int]string `json:"completed"`
}

// Upload pushes the file at path to key, overwriting any existing object.
// Files no larger than one part go up in a single PutObject; larger files use
// a resumable multipart upload with PartSize chunks.
func (c *Client) Upload(ctx context.Context, key, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	slog.Info("uploading", "key", key, "size", humanize.Bytes(uint64(info.Size())))
	if info.Size() <= PartSize {
		return c.uploadWhole(ctx, key, path, info.Size())
	}
	u := &partUploader{client: c, key: key, path: path, info: info}
	return u.run(ctx)
}

func (c *Client) uploadWhole(ctx context.Context, key, path string, size int64) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	_, err = c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &c.bucket,
		Key:           &key,
		Body:          f,
		ContentLength: aws.Int64(size),
	})
	return err
}

type partUploader struct {
	client  *Client
	key     string
	path    string
	info    os.FileInfo
	session *uploadSession
}

func (u *partUploader) run(ctx context.Context) error {
	if err := u.prepareSession(ctx); err != nil {
		return err
	}

	f, err := os.Open(u.path)
	if err != nil {
		return fmt.Errorf("open %s: %w", u.path, err)
	}
	defer f.Close()

	for _, part := range u.remainingParts() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := u.uploadPart(ctx, f, part); err != nil {
			return err
		}
	}

	if err := u.complete(ctx); err != nil {
		return err
	}
	_ = os.Remove(u.sessionFilePath())
	return nil
}

func (u *partUploader) prepareSession(ctx context.Context) error {
	if err := os.MkdirAll(u.resumeDir(), 0o755); err != nil {
		return fmt.Errorf("ensure resume dir: %w", err)
	}
	if err := u.loadSession(); err != nil {
		return err
	}
	if u.session != nil {
		slog.Info("resuming multipart upload", "key", u.key,
			"completed", len(u.session.Completed), "parts", u.session.PartCount)
		return nil
	}

	created, err := u.client.api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: &u.client.bucket,
		Key:    &u.key,
	})
	if err != nil {
		return err
	}

	size := u.info.Size()
	partCount := int((size + PartSize - 1) / PartSize)
	u.session = &uploadSession{
		UploadID:    aws.ToString(created.UploadId),
		Key:         u.key,
		FilePath:    u.path,
		Fingerprint: u.fingerprint(),
		Size:        size,
		PartSize:    PartSize,
		PartCount:   partCount,
		Completed:   make(map[int]string),
	}
	return u.saveSession()
}

func (u *partUploader) uploadPart(ctx context.Context, f *os.File, part int) error {
	offset := int64(part-1) * u.session.PartSize
	size := u.partSizeFor(part)
	reader := io.NewSectionReader(f, offset, size)

	resp, err := u.client.api.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        &u.client.bucket,
		Key:           &u.key,
		UploadId:      &u.session.UploadID,
		PartNumber:    aws.Int32(int32(part)),
		Body:          reader,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("upload part %d: %w", part, err)
	}

	u.session.Completed[part] = aws.ToString(resp.ETag)
	return u.saveSession()
}

func (u *partUploader) complete(ctx context.Context) error {
	parts := make([]types.CompletedPart, 0, len(u.session.Completed))
	for num, etag := range u.session.Completed {
		parts = append(parts, types.CompletedPart{
			PartNumber: aws.Int32(int32(num)),
			ETag:       aws.String(etag),
		})
	}
	sort.Slice(parts, func(i, j int) bool {
		return aws.ToInt32(parts[i].PartNumber) < aws.ToInt32(parts[j].PartNumber)
	})

	_, err := u.client.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          &u.client.bucket,
		Key:             &u.key,
		UploadId:        &u.session.UploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	return err
}

func (u *partUploader) partSizeFor(part int) int64 {
	offset := int64(part-1) * u.session.PartSize
	remaining := u.session.Size - offset
	if remaining < u.session.PartSize {
		return remaining
	}
	return u.session.PartSize
}

func (u *partUploader) remainingParts() []int {
	parts := make([]int, 0, u.session.PartCount)
	for i := 1; i <= u.session.PartCount; i++ {
		if _, ok := u.session.Completed[i]; !ok {
			parts = append(parts, i)
		}
	}
	return parts
}

func (u *partUploader) fingerprint() string {
	return fmt.Sprintf("%d:%d", u.info.Size(), u.info.ModTime().UnixNano())
}

func (u *partUploader) loadSession() error {
	data, err := os.ReadFile(u.sessionFilePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read resume file: %w", err)
	}

	var s uploadSession
	if err := json.Unmarshal(data, &s); err != nil {
		_ = os.Remove(u.sessionFilePath())
		return nil
	}
	// A session for a different file (or a regenerated archive) is useless.
	if s.Key != u.key || s.FilePath != u.path || s.Fingerprint != u.fingerprint() || s.Size != u.info.Size() {
		_ = os.Remove(u.sessionFilePath())
		return nil
	}
	if s.Completed == nil {
		s.Completed = make(map[int]string)
	}
	u.session = &s
	return nil
}

func (u *partUploader) saveSession() error {
	data, err := json.Marshal(u.session)
	if err != nil {
		return fmt.Errorf("encode resume file: %w", err)
	}
	return os.WriteFile(u.sessionFilePath(), data, 0o644)
}

func (u *partUploader) resumeDir() string {
	if u.client.resumeDir != "" {
		return u.client.resumeDir
	}
	return filepath.Join(os.TempDir(), "scraper-upload-cache")
}

func (u *partUploader) sessionFilePath() string {
	hash := sha1.Sum([]byte(u.key + "|" + u.path))
	return filepath.Join(u.resumeDir(), hex.EncodeToString(hash[:])+".json")
}
