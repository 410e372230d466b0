package datafetcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"

	"github.com/alitto/pond"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/schollz/progressbar/v3"
)

// The subset of the S3 client used for downloads.
type S3API interface {
	manager.DownloadAPIClient
	s3.ListObjectsV2APIClient
}

func NewS3API(cfg aws.Config) S3API {
	return s3.NewFromConfig(cfg)
}

func parseS3URL(source string) (string, string, error) {
	rest := strings.TrimPrefix(source, "s3://")
	bucket, key, _ := strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("S3 source must look like s3://bucket/key, got %s", source)
	}
	return bucket, key, nil
}

func (f *dataFetcher) fetchS3(source string, dstDir string) (string, error) {
	bucket, key, err := parseS3URL(source)
	if err != nil {
		return "", err
	}

	if !strings.HasSuffix(key, "/") {
		dst := path.Join(dstDir, path.Base(key))
		p := f.newProgressBar(1, "Downloading object:")
		err = f.downloadObject(bucket, key, dst)
		p.Add(1)
		p.Finish()
		if err != nil {
			return "", err
		}
		return dst, nil
	}

	keys := []string{}
	paginator := s3.NewListObjectsV2Paginator(f.input.S3, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(key),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(context.Background())
		if err != nil {
			return "", fmt.Errorf("listing %s failed: %w", source, err)
		}
		for _, obj := range page.Contents {
			if obj.Key != nil && !strings.HasSuffix(*obj.Key, "/") {
				keys = append(keys, *obj.Key)
			}
		}
	}
	if len(keys) == 0 {
		return "", fmt.Errorf("no objects found under %s", source)
	}

	dst := path.Join(dstDir, path.Base(strings.TrimSuffix(key, "/")))
	concurrency := max(f.input.Concurrency, 1)
	errChan := make(chan error, len(keys))
	pool := pond.New(concurrency, 0, pond.MinWorkers(concurrency))
	p := f.newProgressBar(int64(len(keys)), "Downloading objects:")
	for _, k := range keys {
		pool.Submit(func() {
			defer p.Add(1)
			err := f.downloadObject(bucket, k, path.Join(dst, strings.TrimPrefix(k, key)))
			if err != nil {
				errChan <- err
			}
		})
	}
	pool.StopAndWait()
	p.Finish()

	select {
	case err := <-errChan:
		return "", fmt.Errorf("some S3 objects failed to download: %w", err)
	default:
		slog.Info("done downloading", slog.String("source", source), slog.Int("objects", len(keys)))
		return dst, nil
	}
}

// Downloads one object to a local temporary file, then copies it to the target.
func (f *dataFetcher) downloadObject(bucket string, key string, dst string) error {
	tmp, err := os.CreateTemp("", "pipeline-benchmark-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	downloader := manager.NewDownloader(f.input.S3, func(d *manager.Downloader) {
		d.PartSize = 1024 * 1024 * 10
	})
	_, err = downloader.Download(context.Background(), tmp, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		slog.Error("failed to download S3 object", slog.String("key", key), slog.String("error", err.Error()))
		return fmt.Errorf("downloading s3://%s/%s failed: %w", bucket, key, err)
	}

	_, err = tmp.Seek(0, 0)
	if err != nil {
		return err
	}
	err = f.input.Target.CopyFileTo(tmp, dst)
	if err != nil {
		return fmt.Errorf("copying s3://%s/%s to %s failed: %w", bucket, key, f.input.Target.Describe(), err)
	}
	return nil
}

func (f *dataFetcher) newProgressBar(n int64, description string) *progressbar.ProgressBar {
	if f.input.Quiet {
		return progressbar.DefaultSilent(n, description)
	}
	return progressbar.Default(n, description)
}
