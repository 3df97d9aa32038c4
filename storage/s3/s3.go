// Package s3 is the object-store-backed types.ArchivalBackend, grounded on
// the aws-sdk-go-v2/service/s3 usage found across the retrieval pack's
// manifests (e.g. other_examples/manifests/therealutkarshpriyadarshi-log and
// storj-storj). Objects are keyed "<namespace>/<start_frame_no:020d>.seg"
// and "...idx", mirroring storage/local's on-disk layout; restore logic is
// not shared with storage/local, this package replays segments itself
// (replaySegment).
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/sqlreplica/walcore/types"
)

// Client is the subset of *s3.Client this package calls, so tests can stub
// it without spinning up a real bucket.
type Client interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Backend implements types.ArchivalBackend against an S3-compatible bucket.
type Backend struct {
	client Client
	bucket string

	mu  sync.Mutex
	max map[string]uint64
}

// New wraps an already-configured S3 client.
func New(client Client, bucket string) *Backend {
	return &Backend{client: client, bucket: bucket, max: make(map[string]uint64)}
}

// NewFromEnv builds a Backend using the default AWS credential chain (env
// vars, shared config, EC2/ECS role), the same bootstrap idiom used across
// the pack's manifests that import aws-sdk-go-v2/config.
func NewFromEnv(ctx context.Context, bucket string) (*Backend, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return New(s3.NewFromConfig(cfg), bucket), nil
}

func segKey(namespace string, startFrameNo uint64) string {
	return fmt.Sprintf("%s/%020d.seg", namespace, startFrameNo)
}

func idxKey(namespace string, startFrameNo uint64) string {
	return fmt.Sprintf("%s/%020d.idx", namespace, startFrameNo)
}

// Store implements types.ArchivalBackend.
func (b *Backend) Store(ctx context.Context, namespace string, startFrameNo uint64, segment io.ReaderAt, segmentLen int64, indexBytes []byte, onStored func(uint64)) error {
	if _, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(segKey(namespace, startFrameNo)),
	}); err == nil {
		return b.reportStored(ctx, namespace, startFrameNo, onStored)
	}

	body := io.NewSectionReader(segment, 0, segmentLen)
	if _, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(segKey(namespace, startFrameNo)),
		Body:          body,
		ContentLength: aws.Int64(segmentLen),
	}); err != nil {
		return fmt.Errorf("putting segment object: %w", err)
	}
	if _, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(idxKey(namespace, startFrameNo)),
		Body:   bytes.NewReader(indexBytes),
	}); err != nil {
		return fmt.Errorf("putting segment index object: %w", err)
	}
	return b.reportStored(ctx, namespace, startFrameNo, onStored)
}

func (b *Backend) reportStored(ctx context.Context, namespace string, startFrameNo uint64, onStored func(uint64)) error {
	lastCommitted, err := b.readLastCommittedFrameNo(ctx, namespace, startFrameNo)
	if err != nil {
		return err
	}
	b.mu.Lock()
	if lastCommitted > b.max[namespace] {
		b.max[namespace] = lastCommitted
	}
	b.mu.Unlock()
	if onStored != nil {
		onStored(lastCommitted)
	}
	return nil
}

func (b *Backend) readLastCommittedFrameNo(ctx context.Context, namespace string, startFrameNo uint64) (uint64, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(segKey(namespace, startFrameNo)),
		Range:  aws.String(fmt.Sprintf("bytes=0-%d", types.SegmentHeaderSize-1)),
	})
	if err != nil {
		return 0, err
	}
	defer out.Body.Close()
	buf := make([]byte, types.SegmentHeaderSize)
	if _, err := io.ReadFull(out.Body, buf); err != nil {
		return 0, err
	}
	h, err := types.DecodeSegmentHeader(buf)
	if err != nil {
		return 0, err
	}
	return h.LastCommittedFrameNo, nil
}

func (b *Backend) listSegments(ctx context.Context, namespace string) ([]uint64, error) {
	var out []uint64
	var token *string
	for {
		page, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.bucket),
			Prefix:            aws.String(namespace + "/"),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, ".seg") {
				continue
			}
			base := strings.TrimSuffix(strings.TrimPrefix(key, namespace+"/"), ".seg")
			n, err := strconv.ParseUint(base, 10, 64)
			if err != nil {
				continue
			}
			out = append(out, n)
		}
		if page.IsTruncated == nil || !*page.IsTruncated {
			break
		}
		token = page.NextContinuationToken
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// FetchSegment implements types.ArchivalBackend.
func (b *Backend) FetchSegment(ctx context.Context, namespace string, frameNo uint64, dest io.WriterAt) ([]byte, error) {
	starts, err := b.listSegments(ctx, namespace)
	if err != nil {
		return nil, err
	}
	var target uint64
	found := false
	for _, s := range starts {
		if s <= frameNo {
			target = s
			found = true
		} else {
			break
		}
	}
	if !found {
		return nil, types.FrameNotFoundError{FrameNo: frameNo}
	}

	segOut, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(segKey(namespace, target)),
	})
	if err != nil {
		return nil, err
	}
	defer segOut.Body.Close()

	buf := make([]byte, 1<<20)
	var off int64
	for {
		n, rerr := segOut.Body.Read(buf)
		if n > 0 {
			if _, werr := dest.WriteAt(buf[:n], off); werr != nil {
				return nil, werr
			}
			off += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, rerr
		}
	}

	idxOut, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(idxKey(namespace, target)),
	})
	if err != nil {
		return nil, err
	}
	defer idxOut.Body.Close()
	return io.ReadAll(idxOut.Body)
}

// Meta implements types.ArchivalBackend.
func (b *Backend) Meta(ctx context.Context, namespace string) (uint64, error) {
	b.mu.Lock()
	if v, ok := b.max[namespace]; ok {
		b.mu.Unlock()
		return v, nil
	}
	b.mu.Unlock()

	starts, err := b.listSegments(ctx, namespace)
	if err != nil || len(starts) == 0 {
		return 0, err
	}
	last := starts[len(starts)-1]
	v, err := b.readLastCommittedFrameNo(ctx, namespace, last)
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	b.max[namespace] = v
	b.mu.Unlock()
	return v, nil
}

// Restore implements types.ArchivalBackend, replaying every archived
// segment up to (and, for point-in-time restores, including only) the
// requested cutoff.
func (b *Backend) Restore(ctx context.Context, namespace string, opts types.RestoreOptions, dest io.WriterAt) error {
	starts, err := b.listSegments(ctx, namespace)
	if err != nil {
		return err
	}
	for _, start := range starts {
		if !opts.Latest && start > opts.PITFrameNo {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := b.replaySegment(ctx, namespace, start, opts, dest); err != nil {
			return fmt.Errorf("replaying segment %d: %w", start, err)
		}
	}
	return nil
}

func (b *Backend) replaySegment(ctx context.Context, namespace string, start uint64, opts types.RestoreOptions, dest io.WriterAt) error {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(segKey(namespace, start)),
	})
	if err != nil {
		return err
	}
	defer out.Body.Close()

	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return err
	}
	if len(raw) < types.SegmentHeaderSize {
		return fmt.Errorf("%w: truncated archived segment", types.ErrCorrupt)
	}
	h, err := types.DecodeSegmentHeader(raw[:types.SegmentHeaderSize])
	if err != nil {
		return err
	}

	for i := uint64(0); i < h.FrameCount(); i++ {
		off := types.FrameOffset(i)
		if off+types.FrameSize > int64(len(raw)) {
			return fmt.Errorf("%w: archived segment shorter than header claims", types.ErrCorrupt)
		}
		frame, err := types.DecodeFrame(raw[off : off+types.FrameSize])
		if err != nil {
			return err
		}
		frameNo := h.StartFrameNo + i
		if !opts.Latest && frameNo > opts.PITFrameNo {
			return nil
		}
		if _, err := dest.WriteAt(frame.Payload[:], types.PageOffset(frame.Header.PageNo)); err != nil {
			return err
		}
	}
	return nil
}
