// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package s3 implements a storage unit interface storing the device
// content in an object store speaking the s3 protocol. The device is split
// into fixed size chunks, one object per chunk, cached in memory with
// write-back semantics: writes dirty the cached chunk and a flush uploads
// everything dirty. Unmap deletes the objects of fully covered chunks so
// the bucket only ever holds chunks that were actually written.
package s3

import (
	"bytes"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"golang.org/x/net/http2"

	"github.com/gospd/gospd/scsi"
	"github.com/gospd/gospd/stgunit"
	"github.com/gospd/gospd/transact"
)

// Object key format. One object per chunk, keyed by chunk index.
const keyFmt = "chunk-%016x"

type Options struct {
	Remote    string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string

	BlockLength uint32

	// Blocks per chunk, i.e. per object. Larger chunks mean fewer
	// requests but more read and write amplification.
	ChunkBlocks uint32
}

type Disk struct {
	client     *s3.S3
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
	bucket     string

	blockLength uint32
	chunkBlocks uint32

	// Guards the cache map only; chunk content is guarded by the chunk
	// itself so object store I/O never runs under the map lock.
	mu    sync.Mutex
	cache map[uint64]*chunk
}

type chunk struct {
	mu     sync.Mutex
	loaded bool
	dirty  bool
	data   []byte
}

// Helper struct used for tuning the http connection.
type httpClientSettings struct {
	connect          time.Duration
	connKeepAlive    time.Duration
	expectContinue   time.Duration
	idleConn         time.Duration
	maxAllIdleConns  int
	maxHostIdleConns int
	responseHeader   time.Duration
	tlsHandshake     time.Duration
}

// Returns http client with configured parameters and added https2 support.
func newHTTPClientWithSettings(httpSettings httpClientSettings) *http.Client {
	tr := &http.Transport{
		ResponseHeaderTimeout: httpSettings.responseHeader,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: httpSettings.connKeepAlive,
			Timeout:   httpSettings.connect,
		}).DialContext,
		MaxIdleConns:          httpSettings.maxAllIdleConns,
		IdleConnTimeout:       httpSettings.idleConn,
		TLSHandshakeTimeout:   httpSettings.tlsHandshake,
		MaxIdleConnsPerHost:   httpSettings.maxHostIdleConns,
		ExpectContinueTimeout: httpSettings.expectContinue,
	}

	http2.ConfigureTransport(tr)

	return &http.Client{
		Transport: tr,
	}
}

func New(o Options) (*Disk, error) {
	if o.ChunkBlocks == 0 {
		return nil, fmt.Errorf("s3: chunk size must be nonzero")
	}

	// Settings recommended by AWS for usage in their network.
	httpClient := newHTTPClientWithSettings(httpClientSettings{
		connect:          5 * time.Second,
		expectContinue:   1 * time.Second,
		idleConn:         90 * time.Second,
		connKeepAlive:    30 * time.Second,
		maxAllIdleConns:  100,
		maxHostIdleConns: 10,
		responseHeader:   5 * time.Second,
		tlsHandshake:     5 * time.Second,
	})

	sess, err := session.NewSession(&aws.Config{
		Endpoint:         aws.String(o.Remote),
		Region:           aws.String(o.Region),
		Credentials:      credentials.NewStaticCredentials(o.AccessKey, o.SecretKey, ""),
		S3ForcePathStyle: aws.Bool(true),
		HTTPClient:       httpClient,
	})
	if err != nil {
		return nil, err
	}

	d := &Disk{
		client:      s3.New(sess),
		uploader:    s3manager.NewUploader(sess),
		downloader:  s3manager.NewDownloader(sess),
		bucket:      o.Bucket,
		blockLength: o.BlockLength,
		chunkBlocks: o.ChunkBlocks,
		cache:       make(map[uint64]*chunk),
	}

	// Chunks are small, multipart transfers buy nothing.
	d.uploader.Concurrency = 1
	d.downloader.Concurrency = 1

	return d, d.makeBucketExist()
}

// Check whether bucket exist and if not, create it and wait until it
// appears.
func (d *Disk) makeBucketExist() error {
	_, err := d.client.HeadBucket(&s3.HeadBucketInput{Bucket: aws.String(d.bucket)})

	if err != nil {
		_, err = d.client.CreateBucket(&s3.CreateBucketInput{
			Bucket: aws.String(d.bucket)})

		if err == nil {
			err = d.client.WaitUntilBucketExists(&s3.HeadBucketInput{
				Bucket: aws.String(d.bucket)})
		}
	}

	return err
}

func (d *Disk) Capabilities() stgunit.Capability {
	return stgunit.CapRead | stgunit.CapWrite | stgunit.CapFlush | stgunit.CapUnmap
}

func (d *Disk) chunkSize() int {
	return int(d.chunkBlocks) * int(d.blockLength)
}

func key(index uint64) string {
	return fmt.Sprintf(keyFmt, index)
}

// getChunk returns the cached chunk for index, creating an empty cache
// slot on first touch. The chunk is returned locked.
func (d *Disk) getChunk(index uint64) *chunk {
	d.mu.Lock()
	c, ok := d.cache[index]
	if !ok {
		c = &chunk{}
		d.cache[index] = c
	}
	d.mu.Unlock()

	c.mu.Lock()
	return c
}

// ensureLoaded downloads the chunk object unless it is already cached. A
// missing object means the chunk was never written and reads as zeroes.
func (d *Disk) ensureLoaded(c *chunk, index uint64) error {
	if c.loaded {
		return nil
	}

	buf := aws.NewWriteAtBuffer(make([]byte, d.chunkSize()))
	_, err := d.downloader.Download(buf, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key(index)),
	})
	if err != nil && !isNotFound(err) {
		return err
	}

	data := buf.Bytes()
	if len(data) != d.chunkSize() {
		grown := make([]byte, d.chunkSize())
		copy(grown, data)
		data = grown
	}
	c.data = data
	c.loaded = true
	return nil
}

func isNotFound(err error) bool {
	if aerr, ok := err.(awserr.RequestFailure); ok {
		return aerr.StatusCode() == http.StatusNotFound
	}
	return false
}

// forEachChunk walks the chunk ranges covering blockCount blocks starting
// at blockAddress. fn gets the chunk index, the byte offset and length
// within the chunk, and the matching part of the transfer buffer, which is
// nil when the caller moves no data.
func (d *Disk) forEachChunk(buf []byte, blockAddress uint64, blockCount uint32,
	fn func(index uint64, chunkOff, n int, part []byte) error) error {

	remaining := int(blockCount) * int(d.blockLength)
	offset := blockAddress * uint64(d.blockLength)

	for remaining > 0 {
		index := offset / uint64(d.chunkSize())
		chunkOff := int(offset % uint64(d.chunkSize()))
		n := d.chunkSize() - chunkOff
		if n > remaining {
			n = remaining
		}

		var part []byte
		if buf != nil {
			part = buf[:n]
			buf = buf[n:]
		}
		if err := fn(index, chunkOff, n, part); err != nil {
			return err
		}

		offset += uint64(n)
		remaining -= n
	}
	return nil
}

func (d *Disk) Read(op *stgunit.OperationContext, buf []byte, blockAddress uint64,
	blockCount uint32, flush bool, status *scsi.Status) bool {
	err := d.forEachChunk(buf, blockAddress, blockCount,
		func(index uint64, chunkOff, n int, part []byte) error {
			c := d.getChunk(index)
			defer c.mu.Unlock()

			if err := d.ensureLoaded(c, index); err != nil {
				return err
			}
			copy(part, c.data[chunkOff:])
			return nil
		})
	if err != nil {
		status.SetSenseWithInformation(scsi.SenseMediumError,
			scsi.AscUnrecoveredReadError, blockAddress)
		return false
	}
	return true
}

func (d *Disk) Write(op *stgunit.OperationContext, buf []byte, blockAddress uint64,
	blockCount uint32, flush bool, status *scsi.Status) bool {
	err := d.forEachChunk(buf, blockAddress, blockCount,
		func(index uint64, chunkOff, n int, part []byte) error {
			c := d.getChunk(index)
			defer c.mu.Unlock()

			if err := d.ensureLoaded(c, index); err != nil {
				return err
			}
			copy(c.data[chunkOff:], part)
			c.dirty = true

			if flush {
				return d.uploadChunk(c, index)
			}
			return nil
		})
	if err != nil {
		status.SetSenseWithInformation(scsi.SenseMediumError,
			scsi.AscWriteError, blockAddress)
		return false
	}
	return true
}

// uploadChunk uploads a dirty chunk and clears its dirty mark. Caller
// holds the chunk lock.
func (d *Disk) uploadChunk(c *chunk, index uint64) error {
	if !c.dirty {
		return nil
	}
	_, err := d.uploader.Upload(&s3manager.UploadInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key(index)),
		Body:   bytes.NewReader(c.data),
	})
	if err == nil {
		c.dirty = false
	}
	return err
}

// Flush uploads every dirty chunk. The addressed range is ignored, making
// the whole unit durable is never wrong.
func (d *Disk) Flush(op *stgunit.OperationContext, blockAddress uint64, blockCount uint32,
	status *scsi.Status) bool {
	d.mu.Lock()
	indexes := make([]uint64, 0, len(d.cache))
	for index := range d.cache {
		indexes = append(indexes, index)
	}
	d.mu.Unlock()

	for _, index := range indexes {
		c := d.getChunk(index)
		err := d.uploadChunk(c, index)
		c.mu.Unlock()
		if err != nil {
			status.SetSense(scsi.SenseMediumError, scsi.AscWriteError)
			return false
		}
	}
	return true
}

func (d *Disk) Unmap(op *stgunit.OperationContext, descriptors []transact.UnmapDescriptor,
	status *scsi.Status) bool {
	for _, desc := range descriptors {
		if err := d.unmapRange(desc.BlockAddress, desc.BlockCount); err != nil {
			status.SetSenseWithInformation(scsi.SenseMediumError,
				scsi.AscWriteError, desc.BlockAddress)
			return false
		}
	}
	return true
}

// unmapRange deletes fully covered chunk objects and zero fills partial
// chunk overlaps.
func (d *Disk) unmapRange(blockAddress uint64, blockCount uint32) error {
	return d.forEachChunk(nil, blockAddress, blockCount,
		func(index uint64, chunkOff, n int, part []byte) error {
			if chunkOff == 0 && n == d.chunkSize() {
				return d.deleteChunk(index)
			}

			c := d.getChunk(index)
			defer c.mu.Unlock()
			if err := d.ensureLoaded(c, index); err != nil {
				return err
			}
			for i := chunkOff; i < chunkOff+n; i++ {
				c.data[i] = 0
			}
			c.dirty = true
			return nil
		})
}

func (d *Disk) deleteChunk(index uint64) error {
	d.mu.Lock()
	delete(d.cache, index)
	d.mu.Unlock()

	_, err := d.client.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key(index)),
	})
	if err != nil && !isNotFound(err) {
		return err
	}
	return nil
}
