package s3_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	keystones3 "github.com/aretw0/keystone/pkg/adapters/s3"
	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// fakeS3 is an in-memory S3 subset (Get/Head/Put/Delete) that honors If-Match and
// If-None-Match, which is all the backend relies on.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]fakeObject
	etags   int
	puts    int
	// races replaces an object right before the next PUT to it, keyed by key suffix.
	races map[string]string
}

type fakeObject struct {
	body []byte
	etag string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string]fakeObject), races: make(map[string]string)}
}

// backend returns a Backend whose client talks to the fake.
func (f *fakeS3) backend(opts ...keystones3.Option) *keystones3.Backend {
	cfg, _ := config.LoadDefaultConfig(context.Background(),
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("AKIA", "SECRET", "")),
	)
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.HTTPClient = &http.Client{Transport: f}
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String("https://mock.s3.local")
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})
	return keystones3.NewFromClient(client, "mock-bucket", opts...)
}

// overwrite changes an object behind the backend's back.
func (f *fakeS3) overwrite(suffix string, body string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k := range f.objects {
		if strings.HasSuffix(k, suffix) {
			f.objects[k] = fakeObject{body: []byte(body), etag: f.nextETag()}
			return true
		}
	}
	return false
}

// raceNextPut makes another writer win the next PUT to the object ending in suffix.
func (f *fakeS3) raceNextPut(suffix string, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.races[suffix] = body
}

func (f *fakeS3) putCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts
}

func (f *fakeS3) nextETag() string {
	f.etags++
	return fmt.Sprintf("\"etag-%d\"", f.etags)
}

func (f *fakeS3) RoundTrip(req *http.Request) (*http.Response, error) { //nolint:cyclop
	f.mu.Lock()
	defer f.mu.Unlock()

	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	obj, exists := f.objects[key]
	ifMatch := req.Header.Get("If-Match")
	ifNoneMatch := req.Header.Get("If-None-Match")

	switch req.Method {
	case http.MethodHead:
		if !exists {
			return respond(http.StatusNotFound, nil, nil), nil
		}
		return respond(http.StatusOK, nil, http.Header{
			"Content-Length": {strconv.Itoa(len(obj.body))},
			"ETag":           {obj.etag},
		}), nil
	case http.MethodGet:
		if !exists {
			return failure(http.StatusNotFound, "NoSuchKey"), nil
		}
		return respond(http.StatusOK, obj.body, http.Header{
			"Content-Length": {strconv.Itoa(len(obj.body))},
			"Content-Type":   {"application/octet-stream"},
			"ETag":           {obj.etag},
		}), nil
	case http.MethodPut:
		for suffix, body := range f.races {
			if strings.HasSuffix(key, suffix) {
				obj, exists = fakeObject{body: []byte(body), etag: f.nextETag()}, true
				f.objects[key] = obj
				delete(f.races, suffix)
				break
			}
		}
		if (ifNoneMatch == "*" && exists) || (ifMatch != "" && (!exists || ifMatch != obj.etag)) {
			return failure(http.StatusPreconditionFailed, "PreconditionFailed"), nil
		}
		body, _ := io.ReadAll(req.Body)
		if strings.Contains(req.Header.Get("Content-Encoding"), "aws-chunked") {
			body = decodeChunked(body)
		}
		f.puts++
		stored := fakeObject{body: body, etag: f.nextETag()}
		f.objects[key] = stored
		return respond(http.StatusOK, nil, http.Header{"ETag": {stored.etag}}), nil
	case http.MethodDelete:
		if ifMatch != "" && (!exists || ifMatch != obj.etag) {
			return failure(http.StatusPreconditionFailed, "PreconditionFailed"), nil
		}
		delete(f.objects, key)
		return respond(http.StatusNoContent, nil, nil), nil
	}
	return respond(http.StatusNotImplemented, nil, nil), nil
}

func respond(status int, body []byte, header http.Header) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{StatusCode: status, Body: io.NopCloser(bytes.NewReader(body)), Header: header}
}

func failure(status int, code string) *http.Response {
	body := fmt.Sprintf("<?xml version=\"1.0\" encoding=\"UTF-8\"?><Error><Code>%s</Code><Message>%s</Message></Error>", code, code)
	return respond(status, []byte(body), http.Header{"Content-Type": {"application/xml"}})
}

// decodeChunked strips aws-chunked framing: <hex size>[;ext]\r\n<data>\r\n ... 0\r\n<trailers>.
func decodeChunked(b []byte) []byte {
	var out []byte
	for {
		i := bytes.Index(b, []byte("\r\n"))
		if i < 0 {
			return out
		}
		size, err := strconv.ParseInt(strings.SplitN(string(b[:i]), ";", 2)[0], 16, 64)
		if err != nil || size == 0 || int64(len(b)) < int64(i+2)+size {
			return out
		}
		b = b[i+2:]
		out = append(out, b[:size]...)
		b = bytes.TrimPrefix(b[size:], []byte("\r\n"))
	}
}
