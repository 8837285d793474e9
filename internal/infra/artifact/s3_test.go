package artifact

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/qark-armada/internal/domain/scanning"
)

type fakeS3 struct {
	s3iface.S3API
	objects map[string]string
	deleted []string
}

func (f *fakeS3) GetObjectWithContext(_ aws.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[aws.StringValue(in.Key)]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "missing", nil)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func (f *fakeS3) DeleteObjectWithContext(_ aws.Context, in *s3.DeleteObjectInput, _ ...request.Option) (*s3.DeleteObjectOutput, error) {
	f.deleted = append(f.deleted, aws.StringValue(in.Key))
	delete(f.objects, aws.StringValue(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3BackendOpenAndRemove(t *testing.T) {
	fake := &fakeS3{objects: map[string]string{"artifacts/abc": "payload"}}
	b := &S3Backend{bucket: "bucket", prefix: "artifacts", client: fake}
	ctx := context.Background()

	rc, err := b.Open(ctx, "abc")
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "payload", string(data))

	require.NoError(t, b.Remove(ctx, "abc"))
	assert.Equal(t, []string{"artifacts/abc"}, fake.deleted)

	_, err = b.Open(ctx, "abc")
	assert.ErrorIs(t, err, scanning.ErrArtifactNotFound)
}
