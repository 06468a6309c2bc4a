package blobdvm

import (
	"context"
	"encoding/base64"
	"log"
	"mime"
	"os"
	"strconv"
	"time"

	"github.com/liamg/magic"
	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"
)

// announcementSchema documents the request shapes a server accepts; it goes
// into the announcement content verbatim and is informational only.
const announcementSchema = `{"input_schema":{"type":"object","oneOf":[` +
	`{"required":["action","data"],"properties":{"action":{"const":"store"},` +
	`"data":{"type":"string","description":"base64 encoded file"},` +
	`"filename":{"type":"string","optional":true}}},` +
	`{"required":["action","hash"],"properties":{"action":{"const":"retrieve"},` +
	`"hash":{"type":"string","pattern":"^[a-f0-9]{64}$"}}},` +
	`{"required":["action","hash"],"properties":{"action":{"const":"delete"},` +
	`"hash":{"type":"string","pattern":"^[a-f0-9]{64}$"}}}]}}`

// Server announces itself on the relay network, accepts signed requests and
// serves files back as streams of chunk events.
type Server struct {
	// advisory metadata published in the announcement
	Name  string
	About string

	// MaxStoredBytes caps the live byte count; zero means unbounded.
	MaxStoredBytes int64

	// Retention is how long stored files live.
	Retention time.Duration

	// QueueSize bounds the request queue; requests arriving while it is
	// full are shed with an INTERNAL_ERROR status.
	QueueSize int

	SweepInterval time.Duration

	Log *log.Logger

	pool    *Pool
	store   *ContentStore
	handled *xsync.MapOf[string, struct{}]
	jobs    chan *nostr.Event
}

func NewServer(secretKey string) (*Server, error) {
	pool, err := NewPool(secretKey)
	if err != nil {
		return nil, err
	}

	s := &Server{
		Name:          "BlobDVM Storage",
		About:         "Content-addressed file storage over nostr",
		Retention:     DefaultRetention,
		QueueSize:     1024,
		SweepInterval: 30 * time.Second,
		Log:           log.New(os.Stderr, "[blobdvm-server] ", log.LstdFlags),
		pool:          pool,
		store:         NewContentStore(),
		handled:       xsync.NewMapOf[string, struct{}](),
	}
	pool.Log = s.Log
	return s, nil
}

func (s *Server) PublicKey() string { return s.pool.PublicKey }

// Store exposes the content store, mainly so operators (and tests) can
// observe what is currently held.
func (s *Server) Store() *ContentStore { return s.store }

// Start connects to the relays, publishes the announcement and serves
// requests until ctx is done.
func (s *Server) Start(ctx context.Context, relays []string) error {
	if err := s.pool.Connect(ctx, relays); err != nil {
		return err
	}
	defer s.pool.Close()

	if err := s.publishAnnouncement(ctx); err != nil {
		return err
	}

	since := nostr.Now()
	events, err := s.pool.Subscribe(ctx, nostr.Filter{
		Kinds: []int{KindRequest},
		Since: &since,
	})
	if err != nil {
		return err
	}

	s.jobs = make(chan *nostr.Event, s.QueueSize)

	go s.store.Run(ctx, s.SweepInterval)
	go s.work(ctx)

	s.Log.Printf("serving as %s", s.pool.PublicKey)

	address := ServerAddress(s.pool.PublicKey)
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt := <-events:
			if evt.Tags.FindWithValue("a", address) == nil {
				continue
			}
			select {
			case s.jobs <- evt:
			default:
				s.Log.Printf("queue full, shedding request %s", evt.ID)
				s.sendError(ctx, evt, CodeInternalError, "server overloaded")
			}
		}
	}
}

func (s *Server) publishAnnouncement(ctx context.Context) error {
	evt := nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      KindAnnouncement,
		Tags: nostr.Tags{
			{"d", ServiceID},
			{"k", strconv.Itoa(KindRequest)},
			{"response_kind", strconv.Itoa(KindResponse)},
			{"name", s.Name},
			{"about", s.About},
			{"max_file_size", strconv.Itoa(MaxFileSize)},
			{"chunk_size", strconv.Itoa(ChunkSize)},
			{"retention_hours", strconv.Itoa(int(s.Retention / time.Hour))},
		},
		Content: announcementSchema,
	}
	if err := s.pool.Sign(&evt); err != nil {
		return err
	}
	if err := s.pool.Publish(ctx, evt); err != nil {
		return err
	}
	s.Log.Printf("published announcement %s", evt.ID)
	return nil
}

func (s *Server) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-s.jobs:
			s.handleRequest(ctx, evt)
		}
	}
}

func (s *Server) handleRequest(ctx context.Context, evt *nostr.Event) {
	if _, dup := s.handled.LoadOrStore(evt.ID, struct{}{}); dup {
		return
	}

	s.sendStatus(ctx, evt, "processing", "processing request")

	req, err := ParseRequest(evt)
	if err != nil {
		s.Log.Printf("rejecting request %s: %s", evt.ID, err)
		s.sendProtocolError(ctx, evt, err)
		return
	}

	switch req.Action {
	case ActionStore:
		s.handleStore(ctx, evt, req)
	case ActionRetrieve:
		s.handleRetrieve(ctx, evt, req)
	case ActionDelete:
		s.handleDelete(ctx, evt, req)
	}
}

func (s *Server) handleStore(ctx context.Context, evt *nostr.Event, req *RequestContent) {
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		s.sendError(ctx, evt, CodeMalformedRequest, "data is not valid base64")
		return
	}
	if len(data) == 0 {
		s.sendError(ctx, evt, CodeMalformedRequest, "refusing to store an empty file")
		return
	}
	if len(data) > MaxFileSize {
		s.sendError(ctx, evt, CodeFileTooLarge, "file exceeds maximum size limit")
		return
	}
	if s.MaxStoredBytes > 0 && s.store.LiveBytes()+int64(len(data)) > s.MaxStoredBytes {
		s.sendError(ctx, evt, CodeStorageFull, "storage capacity exceeded")
		return
	}

	fileHash := hashBytes(data)
	chunks := Split(data)
	expiresAt := nostr.Now() + nostr.Timestamp(s.Retention/time.Second)

	rec := &FileRecord{
		Hash:      fileHash,
		Size:      len(data),
		Chunks:    chunks,
		Filename:  req.Filename,
		Type:      sniffType(data),
		ExpiresAt: expiresAt,
	}
	if !s.store.Put(rec) {
		// same bytes already live; answer from the existing record so the
		// advertised expiration stays accurate
		rec = s.store.Get(fileHash)
		if rec == nil {
			s.sendError(ctx, evt, CodeInternalError, "store lost the record")
			return
		}
	}

	if err := s.publishChunks(ctx, rec); err != nil {
		s.Log.Printf("chunk publication for %s failed: %s", fileHash, err)
		s.sendError(ctx, evt, CodeInternalError, "could not publish chunks")
		return
	}

	s.sendResponse(ctx, evt, ResponseContent{
		Hash:    rec.Hash,
		Size:    rec.Size,
		Chunks:  len(rec.Chunks),
		Expires: int64(rec.ExpiresAt),
		Status:  "stored",
		Type:    rec.Type,
	})
	s.Log.Printf("stored %s (%d bytes, %d chunks)", rec.Hash, rec.Size, len(rec.Chunks))
}

func (s *Server) handleRetrieve(ctx context.Context, evt *nostr.Event, req *RequestContent) {
	rec := s.store.Get(req.Hash)
	if rec == nil {
		s.sendError(ctx, evt, CodeFileNotFound, "requested file not found")
		return
	}

	if err := s.publishChunks(ctx, rec); err != nil {
		s.Log.Printf("chunk republication for %s failed: %s", rec.Hash, err)
		s.sendError(ctx, evt, CodeInternalError, "could not publish chunks")
		return
	}

	s.sendResponse(ctx, evt, ResponseContent{
		Hash:    rec.Hash,
		Size:    rec.Size,
		Chunks:  len(rec.Chunks),
		Expires: int64(rec.ExpiresAt),
		Status:  "available",
		Type:    rec.Type,
	})
	s.Log.Printf("served %s", rec.Hash)
}

func (s *Server) handleDelete(ctx context.Context, evt *nostr.Event, req *RequestContent) {
	if !s.store.Delete(req.Hash) {
		s.sendError(ctx, evt, CodeFileNotFound, "requested file not found")
		return
	}

	// already-broadcast chunks cannot be recalled; this only stops future
	// retrievals from this server
	s.sendResponse(ctx, evt, ResponseContent{Hash: req.Hash, Status: "deleted"})
	s.Log.Printf("deleted %s", req.Hash)
}

// publishChunks emits every chunk event, index ascending, before the caller
// is allowed to emit the response.
func (s *Server) publishChunks(ctx context.Context, rec *FileRecord) error {
	for _, chunk := range rec.Chunks {
		evt := makeChunkEvent(rec.Hash, chunk, rec.ExpiresAt)
		if err := s.pool.Sign(&evt); err != nil {
			return err
		}
		if err := s.pool.Publish(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) sendResponse(ctx context.Context, request *nostr.Event, resp ResponseContent) {
	evt, err := makeResponseEvent(request, resp)
	if err != nil {
		s.Log.Printf("failed to build response for %s: %s", request.ID, err)
		return
	}
	if err := s.pool.Sign(&evt); err != nil {
		s.Log.Printf("failed to sign response for %s: %s", request.ID, err)
		return
	}
	if err := s.pool.Publish(ctx, evt); err != nil {
		s.Log.Printf("failed to publish response for %s: %s", request.ID, err)
	}
}

func (s *Server) sendStatus(ctx context.Context, request *nostr.Event, status, message string) {
	evt := makeStatusEvent(request, status, message, "")
	if err := s.pool.Sign(&evt); err != nil {
		return
	}
	if err := s.pool.Publish(ctx, evt); err != nil {
		s.Log.Printf("failed to publish %s status for %s: %s", status, request.ID, err)
	}
}

func (s *Server) sendError(ctx context.Context, request *nostr.Event, code, message string) {
	evt := makeStatusEvent(request, "error", message, code)
	if err := s.pool.Sign(&evt); err != nil {
		return
	}
	if err := s.pool.Publish(ctx, evt); err != nil {
		s.Log.Printf("failed to publish error status for %s: %s", request.ID, err)
	}
}

func (s *Server) sendProtocolError(ctx context.Context, request *nostr.Event, err error) {
	if pe, ok := err.(*ProtocolError); ok {
		s.sendError(ctx, request, pe.Code, pe.Message)
		return
	}
	s.sendError(ctx, request, CodeInternalError, err.Error())
}

// sniffType guesses a content type from the payload's leading bytes. Purely
// advisory; the file's identity is its hash.
func sniffType(data []byte) string {
	head := data[:min(50, len(data))]
	if ft, _ := magic.Lookup(head); ft != nil {
		return mime.TypeByExtension("." + ft.Extension)
	}
	return ""
}
