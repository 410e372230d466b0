package datafetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/Octogonapus/PipelineBenchmark/target/targettest"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3Types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte // keyed by "bucket/key"
	gets    int
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	data, ok := f.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	n := int64(len(data))
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(n),
		ContentRange:  aws.String(fmt.Sprintf("bytes 0-%d/%d", n-1, n)),
	}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for k := range f.objects {
		bucket, key, _ := strings.Cut(k, "/")
		if bucket == *in.Bucket && strings.HasPrefix(key, *in.Prefix) {
			out.Contents = append(out.Contents, s3Types.Object{Key: aws.String(key)})
		}
	}
	return out, nil
}

func TestKindOf(t *testing.T) {
	k, err := KindOf("s3://bucket/key")
	require.NoError(t, err)
	assert.Equal(t, S3Source, k)

	k, err = KindOf("https://example.org/data.tgz")
	require.NoError(t, err)
	assert.Equal(t, HTTPSource, k)

	_, err = KindOf("/lustre/naasc/data.tgz")
	assert.Error(t, err)
}

func TestFetchHTTP(t *testing.T) {
	tgt := targettest.New()
	f := NewDataFetcher(&DataFetcherInput{Target: tgt, Quiet: true})

	dst, err := f.Fetch("https://data.example.org/sets/twhya_uncal.tgz?token=abc", "/work/it0/raw")
	require.NoError(t, err)
	assert.Equal(t, "/work/it0/raw/twhya_uncal.tgz", dst)

	cmds := tgt.CommandsContaining("curl")
	require.Len(t, cmds, 1)
	assert.Contains(t, cmds[0], "-o '/work/it0/raw/twhya_uncal.tgz'")
	assert.Contains(t, cmds[0], "'https://data.example.org/sets/twhya_uncal.tgz?token=abc'")
}

func TestFetchHTTPFailure(t *testing.T) {
	tgt := targettest.New().On("curl", "404", errors.New("exit status 22"))
	_, err := NewDataFetcher(&DataFetcherInput{Target: tgt, Quiet: true}).Fetch("http://example.org/x.tgz", "/raw")
	assert.Error(t, err)
}

func TestFetchS3Object(t *testing.T) {
	tgt := targettest.New()
	s3 := &fakeS3{objects: map[string][]byte{"bench/twhya/uncal.tgz": []byte("archive bytes")}}
	f := NewDataFetcher(&DataFetcherInput{Target: tgt, S3: s3, Quiet: true})

	dst, err := f.Fetch("s3://bench/twhya/uncal.tgz", "/work/raw")
	require.NoError(t, err)
	assert.Equal(t, "/work/raw/uncal.tgz", dst)
	assert.Equal(t, "archive bytes", string(tgt.Files["/work/raw/uncal.tgz"]))
}

func TestFetchS3Prefix(t *testing.T) {
	tgt := targettest.New()
	s3 := &fakeS3{objects: map[string][]byte{
		"bench/twhya/ms/a": []byte("a"),
		"bench/twhya/ms/b": []byte("b"),
		"bench/twhya/ms/c": []byte("c"),
		"bench/other/d":    []byte("d"),
	}}
	f := NewDataFetcher(&DataFetcherInput{Target: tgt, S3: s3, Concurrency: 2, Quiet: true})

	dst, err := f.Fetch("s3://bench/twhya/ms/", "/work/raw")
	require.NoError(t, err)
	assert.Equal(t, "/work/raw/ms", dst)
	assert.Equal(t, "a", string(tgt.Files["/work/raw/ms/a"]))
	assert.Equal(t, "c", string(tgt.Files["/work/raw/ms/c"]))
	assert.NotContains(t, tgt.Files, "/work/raw/ms/d")
}

func TestFetchS3Errors(t *testing.T) {
	tgt := targettest.New()
	_, err := NewDataFetcher(&DataFetcherInput{Target: tgt, Quiet: true}).Fetch("s3://bench/x", "/raw")
	assert.Error(t, err, "no S3 client configured")

	f := NewDataFetcher(&DataFetcherInput{Target: tgt, S3: &fakeS3{objects: map[string][]byte{}}, Quiet: true})
	_, err = f.Fetch("s3://bench/missing", "/raw")
	assert.Error(t, err)

	_, err = f.Fetch("s3://bench/empty/", "/raw")
	assert.Error(t, err)

	_, err = f.Fetch("s3://bucket-only", "/raw")
	assert.Error(t, err)
}
