package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"ratchet/pkg/taskerr"
)

// S3Backend reads task definitions laid out under a bucket prefix with
// the shared directory layout (one "directory" per task).
type S3Backend struct {
	client   *s3.Client
	bucket   string
	prefix   string
	writable bool
}

// S3Config holds connection settings; Endpoint supports MinIO-style
// local S3 services.
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Writable        bool
}

// NewS3Backend creates an S3-backed repository.
func NewS3Backend(ctx context.Context, cfg S3Config) (*S3Backend, error) {
	optFns := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindConfig, err, "failed to load AWS config")
	}

	clientOpts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3Backend{
		client:   s3.NewFromConfig(awsCfg, clientOpts...),
		bucket:   cfg.Bucket,
		prefix:   prefix,
		writable: cfg.Writable,
	}, nil
}

func (b *S3Backend) ListTasks(ctx context.Context) ([]Task, error) {
	taskDirs := make(map[string]time.Time)
	var continuation *string
	for {
		out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.bucket),
			Prefix:            aws.String(b.prefix),
			ContinuationToken: continuation,
		})
		if err != nil {
			return nil, taskerr.Wrap(taskerr.KindIoNetwork, err, "failed to list s3://%s/%s", b.bucket, b.prefix)
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, "/"+sourceFile) && path.Base(key) != sourceFile {
				continue
			}
			rel := strings.TrimPrefix(path.Dir(key), b.prefix)
			modified := time.Time{}
			if obj.LastModified != nil {
				modified = obj.LastModified.UTC()
			}
			taskDirs[rel] = modified
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		continuation = out.NextContinuationToken
	}

	tasks := make([]Task, 0, len(taskDirs))
	for rel, modified := range taskDirs {
		task, err := b.readTask(ctx, rel, modified)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, nil
}

func (b *S3Backend) GetTask(ctx context.Context, taskPath string) (*Task, error) {
	return b.readTask(ctx, taskPath, time.Time{})
}

func (b *S3Backend) readTask(ctx context.Context, rel string, modified time.Time) (*Task, error) {
	source, err := b.getObject(ctx, path.Join(rel, sourceFile))
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindTaskNotFound, err, "task %s has no %s", rel, sourceFile)
	}

	task := &Task{
		Path:       rel,
		Source:     string(source),
		ModifiedAt: modified,
		CreatedAt:  modified,
	}
	if data, err := b.getObject(ctx, path.Join(rel, inputSchemaFile)); err == nil {
		task.InputSchema = data
	}
	if data, err := b.getObject(ctx, path.Join(rel, outputSchemaFile)); err == nil {
		task.OutputSchema = data
	}
	if data, err := b.getObject(ctx, path.Join(rel, metadataFile)); err == nil {
		var meta taskMetadata
		if err := json.Unmarshal(data, &meta); err != nil {
			return nil, taskerr.Wrap(taskerr.KindConfig, err, "task %s has invalid metadata", rel)
		}
		task.Name = meta.Name
		task.Version = meta.Version
		task.Metadata = meta.Extra
	}
	if task.Name == "" {
		task.Name = path.Base(rel)
	}
	if task.Version == "" {
		task.Version = "0.1.0"
	}

	checksum, err := task.ComputeChecksum()
	if err != nil {
		return nil, err
	}
	task.Checksum = checksum
	return task, nil
}

func (b *S3Backend) getObject(ctx context.Context, rel string) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.prefix + rel),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (b *S3Backend) PutTask(ctx context.Context, task *Task) error {
	if !b.writable {
		return taskerr.New(taskerr.KindConfig, "repository s3://%s/%s is not writable", b.bucket, b.prefix)
	}
	meta, err := json.MarshalIndent(taskMetadata{
		Name:    task.Name,
		Version: task.Version,
		Extra:   task.Metadata,
	}, "", "  ")
	if err != nil {
		return err
	}

	objects := map[string][]byte{
		sourceFile:   []byte(task.Source),
		metadataFile: meta,
	}
	if len(task.InputSchema) > 0 {
		objects[inputSchemaFile] = task.InputSchema
	}
	if len(task.OutputSchema) > 0 {
		objects[outputSchemaFile] = task.OutputSchema
	}
	for name, data := range objects {
		_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(b.bucket),
			Key:         aws.String(b.prefix + path.Join(task.Path, name)),
			Body:        bytes.NewReader(data),
			ContentType: aws.String(contentTypeFor(name)),
		})
		if err != nil {
			return taskerr.Wrap(taskerr.KindIoNetwork, err, "failed to upload %s for task %s", name, task.Path)
		}
	}
	return nil
}

func (b *S3Backend) DeleteTask(ctx context.Context, taskPath string) error {
	if !b.writable {
		return taskerr.New(taskerr.KindConfig, "repository s3://%s/%s is not writable", b.bucket, b.prefix)
	}
	for _, name := range []string{sourceFile, inputSchemaFile, outputSchemaFile, metadataFile} {
		_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(b.prefix + path.Join(taskPath, name)),
		})
		if err != nil {
			return taskerr.Wrap(taskerr.KindIoNetwork, err, "failed to delete %s for task %s", name, taskPath)
		}
	}
	return nil
}

func contentTypeFor(name string) string {
	if strings.HasSuffix(name, ".json") {
		return "application/json"
	}
	return "text/javascript; charset=utf-8"
}
