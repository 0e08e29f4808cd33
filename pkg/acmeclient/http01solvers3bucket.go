package acmeclient

import (
	"bytes"
	"context"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/go-acme/lego/v4/challenge"
)

const bucketRequestTimeout = 30 * time.Second

// presents a ACME challenge token on a webserver by writing it in an S3 bucket
type bucketChallengeUploader struct {
	s3     *s3.S3
	bucket string
}

var _ challenge.Provider = (*bucketChallengeUploader)(nil)

func newBucketChallengeUploader(bucket string, awsConf *aws.Config) (*bucketChallengeUploader, error) {
	sess, err := session.NewSession(awsConf)
	if err != nil {
		return nil, err
	}

	return &bucketChallengeUploader{
		s3:     s3.New(sess),
		bucket: bucket,
	}, nil
}

func (h *bucketChallengeUploader) Present(domain string, token string, keyAuth string) error {
	ctx, cancel := context.WithTimeout(context.Background(), bucketRequestTimeout)
	defer cancel()

	// once we've written the file and returned "ok" to our caller, ACME servers will send request to
	// http://DOMAIN_TO_VALIDATE/.well-known/acme-challenge/TOKEN
	_, err := h.s3.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(h.bucket),
		Key:    aws.String(challengeObjectKey(token)),
		Body:   bytes.NewReader([]byte(keyAuth)),
	})
	return err
}

func (h *bucketChallengeUploader) CleanUp(domain string, token string, keyAuth string) error {
	ctx, cancel := context.WithTimeout(context.Background(), bucketRequestTimeout)
	defer cancel()

	// using S3 auto-delete, so theoretically no need to delete the file.
	// but let's still try to be good citizens.
	_, err := h.s3.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(h.bucket),
		Key:    aws.String(challengeObjectKey(token)),
	})
	return err
}

func challengeObjectKey(token string) string {
	return "acme-challenge/" + token
}
