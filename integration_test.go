package blobdvm

import (
	"bytes"
	"context"
	"math/rand"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fiatjaf/eventstore/slicestore"
	"github.com/fiatjaf/khatru"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
)

// startTestRelay runs an in-process relay backed by an in-memory store and
// returns its websocket url.
func startTestRelay(t *testing.T) string {
	t.Helper()

	relay := khatru.NewRelay()
	// store requests carry whole files base64-encoded, far past the default
	relay.MaxMessageSize = 32 << 20

	store := slicestore.SliceStore{}
	store.Init()
	relay.StoreEvent = append(relay.StoreEvent, store.SaveEvent)
	relay.QueryEvents = append(relay.QueryEvents, store.QueryEvents)
	relay.DeleteEvent = append(relay.DeleteEvent, store.DeleteEvent)

	srv := httptest.NewServer(relay)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startTestServer(t *testing.T, relayURL string, tweak func(*Server)) *Server {
	t.Helper()

	server, err := NewServer(nostr.GeneratePrivateKey())
	require.NoError(t, err)
	server.SweepInterval = 200 * time.Millisecond
	if tweak != nil {
		tweak(server)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		if err := server.Start(ctx, []string{relayURL}); err != nil && ctx.Err() == nil {
			t.Errorf("server exited: %s", err)
		}
	}()
	return server
}

func newTestClient(t *testing.T, relayURL string) *Client {
	t.Helper()

	client, err := NewClient(nostr.GeneratePrivateKey())
	require.NoError(t, err)
	client.ResponseTimeout = 10 * time.Second
	client.ChunkTimeout = 10 * time.Second
	client.DiscoverTimeout = 2 * time.Second

	require.NoError(t, client.Connect(context.Background(), []string{relayURL}))
	t.Cleanup(client.Close)
	return client
}

// waitForServer blocks until the server's announcement is discoverable and
// its request subscription has had a moment to come up.
func waitForServer(t *testing.T, client *Client, pubkey string) {
	t.Helper()

	require.Eventually(t, func() bool {
		servers, err := client.DiscoverServers(context.Background())
		if err != nil {
			return false
		}
		for _, sd := range servers {
			if sd.Pubkey == pubkey {
				return true
			}
		}
		return false
	}, 5*time.Second, 100*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
}

func TestUploadDownloadSmallFile(t *testing.T) {
	relayURL := startTestRelay(t)
	server := startTestServer(t, relayURL, nil)
	client := newTestClient(t, relayURL)
	waitForServer(t, client, server.PublicKey())

	data := bytes.Repeat([]byte{'A'}, 1024)

	resp, err := client.Upload(context.Background(), data, "a.txt", server.PublicKey())
	require.NoError(t, err)
	require.Equal(t, "stored", resp.Status)
	require.Equal(t, kilobyteOfAHash, resp.Hash)
	require.Equal(t, 1024, resp.Size)
	require.Equal(t, 1, resp.Chunks)
	require.Greater(t, resp.Expires, time.Now().Unix())

	got, err := client.Download(context.Background(), resp.Hash, server.PublicKey())
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestUploadDownloadMultiChunk(t *testing.T) {
	relayURL := startTestRelay(t)
	server := startTestServer(t, relayURL, nil)
	client := newTestClient(t, relayURL)
	waitForServer(t, client, server.PublicKey())

	data := make([]byte, 100*1024)
	rand.New(rand.NewSource(42)).Read(data)

	resp, err := client.Upload(context.Background(), data, "blob.bin", server.PublicKey())
	require.NoError(t, err)
	require.Equal(t, 4, resp.Chunks)
	require.Equal(t, len(data), resp.Size)

	got, err := client.Download(context.Background(), resp.Hash, server.PublicKey())
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestUploadIsIdempotent(t *testing.T) {
	relayURL := startTestRelay(t)
	server := startTestServer(t, relayURL, nil)
	client := newTestClient(t, relayURL)
	waitForServer(t, client, server.PublicKey())

	data := []byte("stored twice, held once")

	first, err := client.Upload(context.Background(), data, "", server.PublicKey())
	require.NoError(t, err)
	second, err := client.Upload(context.Background(), data, "", server.PublicKey())
	require.NoError(t, err)

	require.Equal(t, first.Hash, second.Hash)
	require.Equal(t, "stored", second.Status)
	require.Equal(t, 1, server.Store().Len())
}

func TestUploadTooLarge(t *testing.T) {
	relayURL := startTestRelay(t)
	server := startTestServer(t, relayURL, nil)
	client := newTestClient(t, relayURL)
	waitForServer(t, client, server.PublicKey())

	data := make([]byte, MaxFileSize+1)

	_, err := client.Upload(context.Background(), data, "big.bin", server.PublicKey())
	requireCode(t, err, CodeFileTooLarge)
	require.Equal(t, 0, server.Store().Len())
}

func TestUploadEmptyFile(t *testing.T) {
	relayURL := startTestRelay(t)
	server := startTestServer(t, relayURL, nil)
	client := newTestClient(t, relayURL)
	waitForServer(t, client, server.PublicKey())

	_, err := client.Upload(context.Background(), nil, "", server.PublicKey())
	requireCode(t, err, CodeMalformedRequest)
}

func TestStorageFull(t *testing.T) {
	relayURL := startTestRelay(t)
	server := startTestServer(t, relayURL, func(s *Server) {
		s.MaxStoredBytes = 100
	})
	client := newTestClient(t, relayURL)
	waitForServer(t, client, server.PublicKey())

	_, err := client.Upload(context.Background(), make([]byte, 200), "", server.PublicKey())
	requireCode(t, err, CodeStorageFull)
}

func TestDownloadUnknownHash(t *testing.T) {
	relayURL := startTestRelay(t)
	server := startTestServer(t, relayURL, nil)
	client := newTestClient(t, relayURL)
	waitForServer(t, client, server.PublicKey())

	_, err := client.Download(context.Background(), strings.Repeat("0", 64), server.PublicKey())
	requireCode(t, err, CodeFileNotFound)
}

func TestDeleteThenRetrieve(t *testing.T) {
	relayURL := startTestRelay(t)
	server := startTestServer(t, relayURL, nil)
	client := newTestClient(t, relayURL)
	waitForServer(t, client, server.PublicKey())

	data := []byte("soon to be forgotten")
	resp, err := client.Upload(context.Background(), data, "", server.PublicKey())
	require.NoError(t, err)

	deleted, err := client.Delete(context.Background(), resp.Hash, server.PublicKey())
	require.NoError(t, err)
	require.Equal(t, "deleted", deleted.Status)
	require.Equal(t, resp.Hash, deleted.Hash)

	_, err = client.Download(context.Background(), resp.Hash, server.PublicKey())
	requireCode(t, err, CodeFileNotFound)

	_, err = client.Delete(context.Background(), resp.Hash, server.PublicKey())
	requireCode(t, err, CodeFileNotFound)
}

func TestRetentionExpiry(t *testing.T) {
	relayURL := startTestRelay(t)
	server := startTestServer(t, relayURL, func(s *Server) {
		s.Retention = 2 * time.Second
	})
	client := newTestClient(t, relayURL)
	waitForServer(t, client, server.PublicKey())

	data := []byte("short-lived")
	resp, err := client.Upload(context.Background(), data, "", server.PublicKey())
	require.NoError(t, err)
	require.Equal(t, 1, server.Store().Len())

	time.Sleep(3 * time.Second)

	_, err = client.Download(context.Background(), resp.Hash, server.PublicKey())
	requireCode(t, err, CodeFileNotFound)

	// the sweeper, not just the lookup path, must have dropped it
	require.Equal(t, 0, server.Store().Len())
}

func TestDiscoverServers(t *testing.T) {
	relayURL := startTestRelay(t)
	server := startTestServer(t, relayURL, nil)
	client := newTestClient(t, relayURL)
	waitForServer(t, client, server.PublicKey())

	servers, err := client.DiscoverServers(context.Background())
	require.NoError(t, err)
	require.Len(t, servers, 1)

	sd := servers[0]
	require.Equal(t, server.PublicKey(), sd.Pubkey)
	require.Equal(t, "BlobDVM Storage", sd.Name)
	require.Equal(t, MaxFileSize, sd.MaxFileSize)
	require.Equal(t, ChunkSize, sd.ChunkSize)
	require.Equal(t, 24, sd.RetentionHours)
}

func TestDiscoveryPicksServerForUpload(t *testing.T) {
	relayURL := startTestRelay(t)
	server := startTestServer(t, relayURL, nil)
	client := newTestClient(t, relayURL)
	waitForServer(t, client, server.PublicKey())

	// empty server pubkey forces the discovery path
	resp, err := client.Upload(context.Background(), []byte("discovered"), "", "")
	require.NoError(t, err)
	require.Equal(t, "stored", resp.Status)
	require.Equal(t, 1, server.Store().Len())
}

func TestCorruptedChunkInjection(t *testing.T) {
	relayURL := startTestRelay(t)
	server := startTestServer(t, relayURL, nil)
	client := newTestClient(t, relayURL)
	waitForServer(t, client, server.PublicKey())

	data := []byte("bytes worth protecting")
	resp, err := client.Upload(context.Background(), data, "", server.PublicKey())
	require.NoError(t, err)

	// an attacker races the download with a chunk whose payload does not
	// match its advertised hash
	attacker, err := NewPool(nostr.GeneratePrivateKey())
	require.NoError(t, err)
	require.NoError(t, attacker.Connect(context.Background(), []string{relayURL}))
	defer attacker.Close()

	honest := Split(data)[0]
	forged := makeChunkEvent(resp.Hash, Chunk{
		Index: 0,
		Total: 1,
		Hash:  honest.Hash,
		Data:  []byte("bytes worth corrupting"),
	}, nostr.Now()+3600)
	require.NoError(t, attacker.Sign(&forged))

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				attacker.Publish(context.Background(), forged)
				time.Sleep(50 * time.Millisecond)
			}
		}
	}()

	got, err := client.Download(context.Background(), resp.Hash, server.PublicKey())
	require.NoError(t, err)
	require.Equal(t, data, got)
}
