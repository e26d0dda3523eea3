package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"

	"github.com/Azure/azure-storage-blob-go/azblob"
	"github.com/rs/zerolog/log"

	"ghostwire/pkg/config"
)

// Blob names for agent-controller traffic inside the container.
const (
	requestBlobName  = "request"  // controller-to-agent
	responseBlobName = "response" // agent-to-controller
)

// BlobCarrier relays envelopes through a pair of storage blobs: the
// agent uploads outbound envelopes to one blob and polls the other for
// inbound ones. Slots are handed over empty, so a send waits with
// exponential backoff until the peer has consumed the previous message.
type BlobCarrier struct {
	read  azblob.BlockBlobURL
	write azblob.BlockBlobURL

	connected bool
}

// NewBlobCarrier builds the carrier from a parsed connection string.
func NewBlobCarrier(cfg *config.BlobConfig) (*BlobCarrier, error) {
	pipeline := azblob.NewPipeline(
		azblob.NewAnonymousCredential(),
		azblob.PipelineOptions{},
	)

	full := fmt.Sprintf("%s/%s?%s", cfg.StorageURL, cfg.Container, cfg.SASToken)
	u, err := url.Parse(full)
	if err != nil {
		return nil, fmt.Errorf("container url: %w", err)
	}

	container := azblob.NewContainerURL(*u, pipeline)

	return &BlobCarrier{
		read:  container.NewBlockBlobURL(requestBlobName),
		write: container.NewBlockBlobURL(responseBlobName),
	}, nil
}

// Send uploads one envelope once the write slot is free. It blocks until
// the upload lands or the context is canceled. A permanently closed
// channel (container gone) marks the session disconnected.
func (c *BlobCarrier) Send(ctx context.Context, data []byte) ([]byte, byte) {
	retryDelay := InitialRetryDelay

	for {
		empty, code := c.isEmpty(ctx, c.write)
		if code != ErrNone {
			return nil, c.fail(code)
		}

		if !empty {
			if retryDelay, code = WaitDelay(ctx, retryDelay); code != ErrNone {
				return nil, code
			}
			continue
		}

		retryDelay = InitialRetryDelay

		if code = c.upload(ctx, c.write, data); code != ErrNone {
			if code == ErrContextCanceled || code == ErrTransportClosed {
				return nil, c.fail(code)
			}
			if retryDelay, code = WaitDelay(ctx, retryDelay); code != ErrNone {
				return nil, code
			}
			continue
		}

		c.connected = true
		return nil, ErrNone
	}
}

// Recv checks the read slot once. An empty slot is ErrNoData, not an
// error. A found message is downloaded and the slot cleared so the peer
// can write again.
func (c *BlobCarrier) Recv(ctx context.Context) ([]byte, byte) {
	empty, code := c.isEmpty(ctx, c.read)
	if code != ErrNone {
		return nil, c.fail(code)
	}
	if empty {
		return nil, ErrNoData
	}

	resp, err := c.read.Download(ctx, 0, azblob.CountToEnd, azblob.BlobAccessConditions{}, false, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		return nil, c.fail(blobStatus(err))
	}

	body := resp.Body(azblob.RetryReaderOptions{MaxRetryRequests: 3})
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, ErrTransportError
	}

	if code = c.upload(ctx, c.read, nil); code != ErrNone {
		return nil, c.fail(code)
	}

	return data, ErrNone
}

func (c *BlobCarrier) isEmpty(ctx context.Context, blob azblob.BlockBlobURL) (bool, byte) {
	props, err := blob.GetProperties(ctx, azblob.BlobAccessConditions{}, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		return false, blobStatus(err)
	}

	return props.ContentLength() == 0, ErrNone
}

func (c *BlobCarrier) upload(ctx context.Context, blob azblob.BlockBlobURL, data []byte) byte {
	_, err := blob.Upload(
		ctx,
		bytes.NewReader(data),
		azblob.BlobHTTPHeaders{ContentType: "application/octet-stream"},
		azblob.Metadata{},
		azblob.BlobAccessConditions{},
		azblob.DefaultAccessTier,
		nil,
		azblob.ClientProvidedKeyOptions{},
		azblob.ImmutabilityPolicyOptions{},
	)

	return blobStatus(err)
}

// fail records a permanently closed channel before handing the code back.
func (c *BlobCarrier) fail(code byte) byte {
	if code == ErrTransportClosed {
		log.Debug().Msg("blob channel is gone")
		c.connected = false
	}

	return code
}

// blobStatus maps storage errors to transport status codes. A missing or
// deleted container means the channel is permanently closed.
func blobStatus(err error) byte {
	if err == nil {
		return ErrNone
	}

	if errors.Is(err, context.Canceled) {
		return ErrContextCanceled
	}

	var storageErr azblob.StorageError
	if errors.As(err, &storageErr) {
		switch storageErr.ServiceCode() {
		case azblob.ServiceCodeContainerNotFound,
			azblob.ServiceCodeContainerBeingDeleted,
			azblob.ServiceCodeAccountBeingCreated:
			return ErrTransportClosed
		}
	}

	return ErrTransportError
}

// Connected reports whether the channel still looks usable.
func (c *BlobCarrier) Connected() bool {
	return c.connected
}

// Close is a no-op beyond the session flag; there is no channel handle.
func (c *BlobCarrier) Close() {
	c.connected = false
}
