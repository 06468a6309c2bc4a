package blobdvm

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strconv"

	"github.com/nbd-wtf/go-nostr"
)

var hexHashMatcher = regexp.MustCompile(`^[a-f0-9]{64}$`)

// ServerAddress renders the addressable coordinates of a server's
// announcement, as used in the request's a tag.
func ServerAddress(pubkey string) string {
	return strconv.Itoa(KindAnnouncement) + ":" + pubkey + ":" + ServiceID
}

const (
	ActionStore    = "store"
	ActionRetrieve = "retrieve"
	ActionDelete   = "delete"
)

// RequestContent is the JSON body of a kind-24210 request.
type RequestContent struct {
	Action   string `json:"action"`
	Data     string `json:"data,omitempty"`
	Filename string `json:"filename,omitempty"`
	Hash     string `json:"hash,omitempty"`
}

// ResponseContent is the JSON body of a kind-24211 response.
type ResponseContent struct {
	Hash    string `json:"hash"`
	Size    int    `json:"size,omitempty"`
	Chunks  int    `json:"chunks,omitempty"`
	Expires int64  `json:"expires,omitempty"`
	Status  string `json:"status"`
	Type    string `json:"type,omitempty"`
}

// ParseRequest validates a request event's content. Schema defects come back
// as MALFORMED_REQUEST; a hash that isn't 64 lowercase hex characters as
// INVALID_HASH.
func ParseRequest(evt *nostr.Event) (*RequestContent, error) {
	var req RequestContent
	if err := json.Unmarshal([]byte(evt.Content), &req); err != nil {
		return nil, protocolErrorf(CodeMalformedRequest, "invalid request JSON: %s", err)
	}

	switch req.Action {
	case ActionStore:
		if req.Data == "" {
			return nil, protocolErrorf(CodeMalformedRequest, "store request without data")
		}
	case ActionRetrieve, ActionDelete:
		if !hexHashMatcher.MatchString(req.Hash) {
			return nil, protocolErrorf(CodeInvalidHash, "%q is not a sha256 hex string", req.Hash)
		}
	default:
		return nil, protocolErrorf(CodeMalformedRequest, "unknown action %q", req.Action)
	}
	return &req, nil
}

func makeRequestEvent(req RequestContent, serverPubkey string) (nostr.Event, error) {
	content, err := json.Marshal(req)
	if err != nil {
		return nostr.Event{}, err
	}

	// a random nonce keeps two identical requests made within the same second
	// from sharing an event id, which the server would drop as already handled
	nonce := make([]byte, 8)
	if _, err := rand.Read(nonce); err != nil {
		return nostr.Event{}, err
	}

	return nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      KindRequest,
		Tags:      nostr.Tags{{"a", ServerAddress(serverPubkey)}, {"nonce", hex.EncodeToString(nonce)}},
		Content:   string(content),
	}, nil
}

func makeResponseEvent(request *nostr.Event, resp ResponseContent) (nostr.Event, error) {
	content, err := json.Marshal(resp)
	if err != nil {
		return nostr.Event{}, err
	}

	tags := nostr.Tags{
		{"e", request.ID},
		{"p", request.PubKey},
		{"file_hash", resp.Hash},
	}
	if resp.Expires > 0 {
		tags = append(tags, nostr.Tag{"expires", strconv.FormatInt(resp.Expires, 10)})
	}

	return nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      KindResponse,
		Tags:      tags,
		Content:   string(content),
	}, nil
}

// ParseResponse decodes a response event's body and checks the fields a
// receiver relies on. Unknown extra fields are tolerated.
func ParseResponse(evt *nostr.Event) (*ResponseContent, error) {
	var resp ResponseContent
	if err := json.Unmarshal([]byte(evt.Content), &resp); err != nil {
		return nil, protocolErrorf(CodeMalformedRequest, "invalid response JSON: %s", err)
	}
	if !hexHashMatcher.MatchString(resp.Hash) {
		return nil, protocolErrorf(CodeMalformedRequest, "response hash %q is not sha256 hex", resp.Hash)
	}
	return &resp, nil
}

func makeStatusEvent(request *nostr.Event, status string, message string, errorCode string) nostr.Event {
	tags := nostr.Tags{
		{"e", request.ID},
		{"p", request.PubKey},
		{"status", status},
	}
	if errorCode != "" {
		tags = append(tags, nostr.Tag{"error_code", errorCode})
	}
	return nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      KindStatus,
		Tags:      tags,
		Content:   message,
	}
}

func makeChunkEvent(fileHash string, chunk Chunk, expiresAt nostr.Timestamp) nostr.Event {
	return nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      KindChunk,
		Tags: nostr.Tags{
			{"file_hash", fileHash},
			{"chunk_index", strconv.Itoa(chunk.Index)},
			{"chunk_total", strconv.Itoa(chunk.Total)},
			{"chunk_hash", chunk.Hash},
			{"expiration", strconv.FormatInt(int64(expiresAt), 10)},
		},
		Content: base64.StdEncoding.EncodeToString(chunk.Data),
	}
}

// ParseChunkEvent decodes a chunk carrier event. The returned chunk's Hash is
// the advertised one; callers recompute it over Data before trusting the
// chunk.
func ParseChunkEvent(evt *nostr.Event) (Chunk, string, error) {
	fileHash := tagValue(evt, "file_hash")
	if !hexHashMatcher.MatchString(fileHash) {
		return Chunk{}, "", protocolErrorf(CodeMalformedRequest, "chunk event without a valid file_hash tag")
	}

	index, err := strconv.Atoi(tagValue(evt, "chunk_index"))
	if err != nil || index < 0 {
		return Chunk{}, "", protocolErrorf(CodeMalformedRequest, "bad chunk_index tag")
	}
	total, err := strconv.Atoi(tagValue(evt, "chunk_total"))
	if err != nil || total < 1 {
		return Chunk{}, "", protocolErrorf(CodeMalformedRequest, "bad chunk_total tag")
	}
	chunkHash := tagValue(evt, "chunk_hash")
	if !hexHashMatcher.MatchString(chunkHash) {
		return Chunk{}, "", protocolErrorf(CodeMalformedRequest, "bad chunk_hash tag")
	}

	data, err := base64.StdEncoding.DecodeString(evt.Content)
	if err != nil {
		return Chunk{}, "", protocolErrorf(CodeMalformedRequest, "chunk content is not base64: %s", err)
	}

	return Chunk{Index: index, Total: total, Hash: chunkHash, Data: data}, fileHash, nil
}

// ServerDescriptor is a parsed announcement.
type ServerDescriptor struct {
	Pubkey         string
	Name           string
	About          string
	MaxFileSize    int
	ChunkSize      int
	RetentionHours int
	CreatedAt      nostr.Timestamp
}

// ParseServerDescriptor reads a kind-31999 announcement. Announcements for a
// different d-tag or request kind are rejected.
func ParseServerDescriptor(evt *nostr.Event) (*ServerDescriptor, error) {
	if evt.Kind != KindAnnouncement {
		return nil, protocolErrorf(CodeMalformedRequest, "event kind %d is not an announcement", evt.Kind)
	}
	if d := evt.Tags.GetFirst([]string{"d", ""}); d == nil || d.Value() != ServiceID {
		return nil, protocolErrorf(CodeMalformedRequest, "announcement is not for %s", ServiceID)
	}
	if evt.Tags.FindWithValue("k", strconv.Itoa(KindRequest)) == nil {
		return nil, protocolErrorf(CodeMalformedRequest, "announcement does not accept kind %d requests", KindRequest)
	}

	sd := &ServerDescriptor{
		Pubkey:    evt.PubKey,
		Name:      tagValue(evt, "name"),
		About:     tagValue(evt, "about"),
		CreatedAt: evt.CreatedAt,
	}
	sd.MaxFileSize, _ = strconv.Atoi(tagValue(evt, "max_file_size"))
	sd.ChunkSize, _ = strconv.Atoi(tagValue(evt, "chunk_size"))
	sd.RetentionHours, _ = strconv.Atoi(tagValue(evt, "retention_hours"))
	return sd, nil
}

func tagValue(evt *nostr.Event, name string) string {
	if tag := evt.Tags.GetFirst([]string{name, ""}); tag != nil {
		return tag.Value()
	}
	return ""
}
