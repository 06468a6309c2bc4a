package blobdvm

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip40"
)

// Client discovers servers and moves files in and out of them.
type Client struct {
	// ResponseTimeout bounds the wait for a response to any request.
	ResponseTimeout time.Duration

	// ChunkTimeout bounds the wait for all chunks of a download.
	ChunkTimeout time.Duration

	// DiscoverTimeout bounds the historical announcement query.
	DiscoverTimeout time.Duration

	Log *log.Logger

	pool *Pool
}

func NewClient(secretKey string) (*Client, error) {
	pool, err := NewPool(secretKey)
	if err != nil {
		return nil, err
	}

	c := &Client{
		ResponseTimeout: 30 * time.Second,
		ChunkTimeout:    60 * time.Second,
		DiscoverTimeout: 10 * time.Second,
		Log:             log.New(os.Stderr, "[blobdvm-client] ", log.LstdFlags),
		pool:            pool,
	}
	pool.Log = c.Log
	return c, nil
}

func (c *Client) PublicKey() string { return c.pool.PublicKey }

func (c *Client) Connect(ctx context.Context, relays []string) error {
	return c.pool.Connect(ctx, relays)
}

func (c *Client) Close() { c.pool.Close() }

// DiscoverServers queries the relays for announcements, keeping the most
// recent one per provider.
func (c *Client) DiscoverServers(ctx context.Context) ([]ServerDescriptor, error) {
	qctx, cancel := context.WithTimeout(ctx, c.DiscoverTimeout)
	defer cancel()

	events := c.pool.Query(qctx, nostr.Filter{
		Kinds: []int{KindAnnouncement},
		Tags:  nostr.TagMap{"k": []string{strconv.Itoa(KindRequest)}},
		Limit: 50,
	})

	newest := make(map[string]ServerDescriptor)
	for _, evt := range events {
		sd, err := ParseServerDescriptor(evt)
		if err != nil {
			c.Log.Printf("skipping announcement %s: %s", evt.ID, err)
			continue
		}
		if prev, ok := newest[sd.Pubkey]; ok && prev.CreatedAt >= sd.CreatedAt {
			continue
		}
		newest[sd.Pubkey] = *sd
	}

	servers := make([]ServerDescriptor, 0, len(newest))
	for _, sd := range newest {
		servers = append(servers, sd)
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].CreatedAt > servers[j].CreatedAt })
	return servers, nil
}

func (c *Client) pickServer(ctx context.Context, serverPubkey string) (string, error) {
	if serverPubkey != "" {
		return serverPubkey, nil
	}
	servers, err := c.DiscoverServers(ctx)
	if err != nil {
		return "", err
	}
	if len(servers) == 0 {
		return "", fmt.Errorf("no blob storage servers found")
	}
	return servers[0].Pubkey, nil
}

// Upload stores data on a server (the given one, or the first discovered)
// and returns the server's response.
func (c *Client) Upload(ctx context.Context, data []byte, filename string, serverPubkey string) (*ResponseContent, error) {
	server, err := c.pickServer(ctx, serverPubkey)
	if err != nil {
		return nil, err
	}

	evt, err := makeRequestEvent(RequestContent{
		Action:   ActionStore,
		Data:     base64.StdEncoding.EncodeToString(data),
		Filename: filename,
	}, server)
	if err != nil {
		return nil, err
	}
	if err := c.pool.Sign(&evt); err != nil {
		return nil, err
	}

	return c.roundTrip(ctx, evt)
}

// Delete asks a server to forget a file.
func (c *Client) Delete(ctx context.Context, fileHash string, serverPubkey string) (*ResponseContent, error) {
	if !hexHashMatcher.MatchString(fileHash) {
		return nil, protocolErrorf(CodeInvalidHash, "%q is not a sha256 hex string", fileHash)
	}

	server, err := c.pickServer(ctx, serverPubkey)
	if err != nil {
		return nil, err
	}

	evt, err := makeRequestEvent(RequestContent{Action: ActionDelete, Hash: fileHash}, server)
	if err != nil {
		return nil, err
	}
	if err := c.pool.Sign(&evt); err != nil {
		return nil, err
	}

	return c.roundTrip(ctx, evt)
}

// Download fetches a file by hash: it opens the chunk subscription first,
// then issues the retrieve request, collects and validates chunks as they
// stream in, and reassembles once all indices are present.
func (c *Client) Download(ctx context.Context, fileHash string, serverPubkey string) ([]byte, error) {
	if !hexHashMatcher.MatchString(fileHash) {
		return nil, protocolErrorf(CodeInvalidHash, "%q is not a sha256 hex string", fileHash)
	}

	server, err := c.pickServer(ctx, serverPubkey)
	if err != nil {
		return nil, err
	}

	evt, err := makeRequestEvent(RequestContent{Action: ActionRetrieve, Hash: fileHash}, server)
	if err != nil {
		return nil, err
	}
	if err := c.pool.Sign(&evt); err != nil {
		return nil, err
	}

	// the chunk subscription must exist before the request goes out, or a
	// fast server can publish chunks we never see
	chunkCtx, cancelChunks := context.WithTimeout(ctx, c.ChunkTimeout)
	defer cancelChunks()

	since := nostr.Now() - 5
	chunkEvents, err := c.pool.Subscribe(chunkCtx, nostr.Filter{
		Kinds: []int{KindChunk},
		Tags:  nostr.TagMap{"file_hash": []string{fileHash}},
		Since: &since,
	})
	if err != nil {
		return nil, err
	}

	type collected struct {
		chunks []Chunk
		err    error
	}
	done := make(chan collected, 1)
	go func() {
		chunks, err := c.collectChunks(chunkCtx, chunkEvents, fileHash)
		done <- collected{chunks, err}
	}()

	resp, err := c.roundTrip(ctx, evt)
	if err != nil {
		return nil, err
	}
	if resp.Hash != fileHash {
		return nil, protocolErrorf(CodeIntegrityFailed,
			"server answered for %s instead of %s", resp.Hash, fileHash)
	}

	result := <-done
	if result.err != nil {
		return nil, result.err
	}

	return VerifyAndAssemble(result.chunks, fileHash)
}

// collectChunks accumulates chunks until every index in [0, chunk_total) has
// arrived. Chunks that fail their own hash are discarded; a chunk_total that
// disagrees between chunks is an integrity failure.
func (c *Client) collectChunks(ctx context.Context, events <-chan *nostr.Event, fileHash string) ([]Chunk, error) {
	byIndex := make(map[int]Chunk)
	total := -1

	for {
		select {
		case <-ctx.Done():
			want := "?"
			if total != -1 {
				want = strconv.Itoa(total)
			}
			return nil, protocolErrorf(CodeChunkMissing,
				"timed out with %d/%s chunks of %s", len(byIndex), want, fileHash)

		case evt := <-events:
			chunk, gotHash, err := ParseChunkEvent(evt)
			if err != nil {
				c.Log.Printf("discarding chunk event %s: %s", evt.ID, err)
				continue
			}
			if gotHash != fileHash {
				continue
			}
			if exp := nip40.GetExpiration(evt.Tags); exp != -1 && exp <= nostr.Now() {
				c.Log.Printf("discarding already-expired chunk %d of %s", chunk.Index, fileHash)
				continue
			}
			if hashBytes(chunk.Data) != chunk.Hash {
				c.Log.Printf("discarding corrupted chunk %d of %s", chunk.Index, fileHash)
				continue
			}

			if total == -1 {
				total = chunk.Total
			} else if chunk.Total != total {
				return nil, protocolErrorf(CodeIntegrityFailed,
					"chunk_total disagreement: %d vs %d", chunk.Total, total)
			}
			if chunk.Index >= total {
				c.Log.Printf("discarding out-of-range chunk %d of %s", chunk.Index, fileHash)
				continue
			}
			if _, dup := byIndex[chunk.Index]; dup {
				continue
			}
			byIndex[chunk.Index] = chunk

			if len(byIndex) == total {
				chunks := make([]Chunk, 0, total)
				for _, ch := range byIndex {
					chunks = append(chunks, ch)
				}
				return chunks, nil
			}
		}
	}
}

// roundTrip subscribes to responses for the signed request, publishes it and
// waits for the correlated terminal event: a response, an error status, or
// the deadline.
func (c *Client) roundTrip(ctx context.Context, evt nostr.Event) (*ResponseContent, error) {
	rctx, cancel := context.WithTimeout(ctx, c.ResponseTimeout)
	defer cancel()

	since := nostr.Now() - 5
	events, err := c.pool.Subscribe(rctx, nostr.Filter{
		Kinds: []int{KindResponse, KindStatus},
		Tags:  nostr.TagMap{"e": []string{evt.ID}},
		Since: &since,
	})
	if err != nil {
		return nil, err
	}

	if err := c.pool.Publish(rctx, evt); err != nil {
		return nil, err
	}

	for {
		select {
		case <-rctx.Done():
			return nil, protocolErrorf(CodeResponseTimeout,
				"no response to request %s within %s", evt.ID, c.ResponseTimeout)

		case in := <-events:
			if in.Tags.FindWithValue("e", evt.ID) == nil {
				continue
			}
			switch in.Kind {
			case KindResponse:
				return ParseResponse(in)
			case KindStatus:
				if code := tagValue(in, "error_code"); code != "" {
					return nil, &ProtocolError{Code: code, Message: in.Content}
				}
				c.Log.Printf("request %s: %s", evt.ID, in.Content)
			}
		}
	}
}
